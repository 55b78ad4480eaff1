package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"propsync/internal/propsync"
)

// RedisStore implements propsync.KeyValueStore on Redis. Keys are
// namespaced with a prefix; maxValue bounds each value, and a server-side
// maxmemory rejection also reports ErrQuotaExceeded.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	maxValue int64
}

var _ propsync.KeyValueStore = (*RedisStore)(nil)

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	MaxValue int64
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return NewRedisStoreFromClient(client, opts.Prefix, opts.MaxValue), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, maxValue int64) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, maxValue: maxValue}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache entry %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if s.maxValue > 0 && int64(len(value)) > s.maxValue {
		return fmt.Errorf("writing %d bytes to %s: %w", len(value), key, propsync.ErrQuotaExceeded)
	}
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		if strings.HasPrefix(err.Error(), "OOM") {
			return fmt.Errorf("writing cache entry %s: %v: %w", key, err, propsync.ErrQuotaExceeded)
		}
		return fmt.Errorf("writing cache entry %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("removing cache entry %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
