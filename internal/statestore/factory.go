package statestore

import (
	"fmt"
	"time"

	"github.com/powersync/sync-service/internal/config"
)

// New selects and constructs the configured state store backend.
func New(cfg config.StateStoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "redis":
		return NewRedisStore(cfg.Address, cfg.Password, cfg.DB, cfg.Prefix, 0), nil
	case "etcd":
		return NewEtcdStore([]string{cfg.Address}, cfg.Prefix, 5*time.Second)
	default:
		return nil, fmt.Errorf("unsupported state store type: %s", cfg.Type)
	}
}
