package remote

import (
	"context"
	"fmt"

	"propsync/internal/config"
	"propsync/internal/propsync"
)

// NewStoreFromConfig creates a RemoteStore implementation based on the remote config type.
func NewStoreFromConfig(ctx context.Context, cfg config.RemoteConfig) (propsync.RemoteStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem remote requires fs_root to be set")
		}
		return NewFileSystemStore(cfg.FSRoot, cfg.PollInterval.Duration)
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PollInterval:    cfg.PollInterval.Duration,
		})
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres remote requires postgres_dsn to be set")
		}
		return NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
