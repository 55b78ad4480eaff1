package cache

import (
	"context"
	"fmt"
	"sync"

	"propsync/internal/propsync"
)

// MemoryStore is an in-memory implementation of propsync.KeyValueStore,
// bounded by the total size of its values. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	used     int64
	capacity int64
}

var _ propsync.KeyValueStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most capacity bytes of values.
// capacity <= 0 means unbounded.
func NewMemoryStore(capacity int64) *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte), capacity: capacity}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.used - int64(len(s.data[key])) + int64(len(value))
	if s.capacity > 0 && next > s.capacity {
		return fmt.Errorf("writing %d bytes to %s: %w", len(value), key, propsync.ErrQuotaExceeded)
	}
	s.data[key] = append([]byte(nil), value...)
	s.used = next
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used -= int64(len(s.data[key]))
	delete(s.data, key)
	return nil
}

// Usage returns the number of bytes stored.
func (s *MemoryStore) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *MemoryStore) Close() error { return nil }
