// Package kvstore provides the durable key-value storage the offline queue is persisted in.
package kvstore

import (
	"context"
	"fmt"

	"fieldsync/internal/config"
)

// Store is a durable, asynchronous key-value store. Set returns only after the value is durable.
type Store interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Open builds the backend selected by cfg.KVBackend.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.KVBackend {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath)
	case "redis":
		st := NewRedisStore(cfg)
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.KVBackend)
	}
}
