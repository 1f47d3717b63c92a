// Package kvstore is the persistent key/value storage used for credentials,
// conversations and pipeline state. Values are opaque strings (JSON in
// practice). Get, Set and Remove are synchronous and may fail.
package kvstore

import (
	"fmt"

	"github.com/roelfdiedericks/docgen/internal/config"
	. "github.com/roelfdiedericks/docgen/internal/logging"
)

// Store is the storage collaborator.
type Store interface {
	// Get returns the value for key, and false when the key is absent.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Close() error
}

// Open builds the backend named by cfg.Backend.
func Open(cfg config.StorageConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "memory":
		s = NewMemoryStore()
	case "file", "":
		s, err = NewFileStore(cfg.Path)
	case "sqlite":
		s, err = NewSQLiteStore(cfg.Path)
	case "redis":
		s, err = NewRedisStore(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	L_debug("kvstore: opened", "backend", cfg.Backend)
	return s, nil
}
