package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"propsync/internal/config"
	"propsync/internal/propsync"
)

// DefaultMaxSize applies when the config leaves max_size unset.
const DefaultMaxSize = 5 << 20

// NewStoreFromConfig creates a KeyValueStore based on the cache config type.
func NewStoreFromConfig(ctx context.Context, cfg config.CacheConfig) (propsync.KeyValueStore, error) {
	capacity := cfg.MaxSize
	if capacity <= 0 {
		capacity = DefaultMaxSize
	}

	switch cfg.Type {
	case "memory":
		return NewMemoryStore(capacity), nil
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite cache")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, "cache.db"), capacity)
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis_addr required for redis cache")
		}
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			MaxValue: capacity,
		})
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}
