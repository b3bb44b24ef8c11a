// Package config loads the service's YAML configuration with
// "${VAR}" / "${VAR:-default}" environment-variable substitution applied
// before unmarshaling, the same approach the rest of the ambient stack
// uses for secrets-free config files checked into version control.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration document.
type Config struct {
	Replication   []ReplicationConfig `yaml:"replication"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Sync          SyncConfig          `yaml:"sync"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	StateStore    StateStoreConfig    `yaml:"state_store"`
	Observability ObservabilityConfig `yaml:"observability"`
	HTTP          HTTPConfig          `yaml:"http"`
}

// ReplicationConfig describes one source-database connection group.
type ReplicationConfig struct {
	GroupID         string   `yaml:"group_id"`
	Type            string   `yaml:"type"` // postgres, mysql, mongodb
	ConnString      string   `yaml:"conn_string"`
	SlotName        string   `yaml:"slot_name"`
	PublicationName string   `yaml:"publication_name"`
	Tables          []string `yaml:"tables"`
	MaxTxRetries    int      `yaml:"max_tx_retries"`
	Database        string   `yaml:"database"`   // mongodb only
	Collection      string   `yaml:"collection"` // mongodb only; empty watches the whole database
}

// StorageConfig selects and configures the durable storage adapter.
type StorageConfig struct {
	Driver     string `yaml:"driver"` // sqlite, postgres, mysql
	DSN        string `yaml:"dsn"`
	RowSizeCap int    `yaml:"row_size_cap"` // bytes; not read by the service: the batch writer always uses its 15 MiB default
}

// AuthConfig configures JWT verification (spec §4.8).
type AuthConfig struct {
	Audience       []string          `yaml:"audience"`
	MaxTokenLife   time.Duration     `yaml:"max_token_life"`
	StaticKeys     []StaticKeyConfig `yaml:"static_keys"`
	JWKS           []JWKSConfig      `yaml:"jwks"`
	SupabaseShared string            `yaml:"supabase_shared_secret"`
}

type StaticKeyConfig struct {
	Kid       string `yaml:"kid"`
	Algorithm string `yaml:"algorithm"`
	Key       string `yaml:"key"` // PEM or raw secret, per algorithm family
}

type JWKSConfig struct {
	URL             string        `yaml:"url"`
	IssuerDiscovery bool          `yaml:"issuer_discovery"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// SyncConfig holds the Sync Stream Orchestrator tunables (spec §4.7, §9).
type SyncConfig struct {
	MaxBucketsPerConnection  int           `yaml:"max_buckets_per_connection"`
	MaxParameterQueryResults int           `yaml:"max_parameter_query_results"`
	MaxActiveConnections     int           `yaml:"max_active_connections"`
	SemaphoreTimeout         time.Duration `yaml:"semaphore_timeout"`
	PreemptionOpThreshold    int           `yaml:"preemption_op_threshold"`
	TokenExpirySkew          time.Duration `yaml:"token_expiry_skew"`
	YieldInterval            time.Duration `yaml:"yield_interval"`
	LargeFrameBytes          int           `yaml:"large_frame_bytes"`
}

// DefaultSyncConfig returns the tunables named in spec §4.7/§9.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxBucketsPerConnection:  1000,
		MaxParameterQueryResults: 1000,
		MaxActiveConnections:     10,
		SemaphoreTimeout:         30 * time.Second,
		PreemptionOpThreshold:    1000,
		TokenExpirySkew:          5 * time.Second,
		YieldInterval:            10 * time.Millisecond,
		LargeFrameBytes:          50 * 1024,
	}
}

type SecretsConfig struct {
	Type      string        `yaml:"type"` // env, vault, openbao
	Vault     VaultSettings `yaml:"vault"`
	Env       EnvSettings   `yaml:"env"`
	MasterKey string        `yaml:"master_key"`
}

type VaultSettings struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Mount   string `yaml:"mount"`
}

type EnvSettings struct {
	Prefix string `yaml:"prefix"`
}

type StateStoreConfig struct {
	Type     string `yaml:"type"` // sqlite, redis, etcd
	Path     string `yaml:"path"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type ObservabilityConfig struct {
	OTLP        OTLPConfig `yaml:"otlp"`
	MetricsAddr string     `yaml:"metrics_addr"`
}

type OTLPConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads path, applies environment substitution, and unmarshals YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	content := SubstituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if cfg.Sync.MaxActiveConnections == 0 {
		cfg.Sync = DefaultSyncConfig()
	}
	return &cfg, nil
}

var envRegex = regexp.MustCompile(`\$\{(\w+)(?::-([^}]*))?\}`)

// SubstituteEnvVars replaces ${VAR} / ${VAR:-default} with the
// environment's value, leaving the placeholder untouched if neither the
// variable nor a default is available.
func SubstituteEnvVars(input string) string {
	return envRegex.ReplaceAllStringFunc(input, func(m string) string {
		matches := envRegex.FindStringSubmatch(m)
		if len(matches) < 2 {
			return m
		}
		envVar := matches[1]
		if val, ok := os.LookupEnv(envVar); ok {
			return val
		}
		if len(matches) > 2 && strings.Contains(m, ":-") {
			return matches[2]
		}
		return m
	})
}

// Save marshals cfg back to YAML at path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
