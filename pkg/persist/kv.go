// Package persist mirrors task lists into a key-value store.
package persist

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"repo-cipher/pkg/config"
)

// Fixed keys under which the two task lists are stored.
const (
	KeyTasks         = "cipher_tasks"
	KeyArchivedTasks = "cipher_archived_tasks"
	// KeyAuthToken holds the session token saved by login.
	KeyAuthToken = "cipher_auth_token"
)

// KV is the storage the persistence adapter writes to.
type KV interface {
	// Get returns ok=false when key has never been written.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns the KV backend selected by cfg.
func Open(cfg config.StorageConfig, logger *zap.Logger) (KV, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryKV(), nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "mysql":
		return OpenMySQL(cfg.MySQLDSN)
	case "consul":
		return NewConsulKV(cfg.ConsulAddr, cfg.ConsulToken, cfg.Prefix, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
