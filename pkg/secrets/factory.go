package secrets

import (
	"context"
	"fmt"
)

// Config defines the configuration for secret managers. Resolved secrets
// back replication connection strings and auth signing material so neither
// need to be stored in plaintext sync-rules/config documents.
type Config struct {
	Type    string      `yaml:"type" json:"type"` // env, vault, openbao
	Vault   VaultConfig `yaml:"vault" json:"vault"`
	OpenBao VaultConfig `yaml:"openbao" json:"openbao"` // OpenBao uses same config as Vault
	Env     EnvConfig   `yaml:"env" json:"env"`
}

type VaultConfig struct {
	Address string `yaml:"address" json:"address"`
	Token   string `yaml:"token" json:"token"`
	Mount   string `yaml:"mount" json:"mount"`
}

type EnvConfig struct {
	Prefix string `yaml:"prefix" json:"prefix"`
}

// NewManager creates a secret manager based on the provided configuration.
func NewManager(ctx context.Context, cfg Config) (Manager, error) {
	switch cfg.Type {
	case "env", "":
		return &EnvManager{Prefix: cfg.Env.Prefix}, nil
	case "vault":
		return NewVaultManager(cfg.Vault.Address, cfg.Vault.Token, cfg.Vault.Mount)
	case "openbao":
		return NewOpenBaoManager(cfg.OpenBao.Address, cfg.OpenBao.Token, cfg.OpenBao.Mount)
	default:
		return nil, fmt.Errorf("unsupported secret manager type: %s", cfg.Type)
	}
}
