package testutil

import (
	"context"
	"sync"

	"propsync/internal/cache"
	"propsync/internal/propsync"
)

// FlakyKV wraps an in-memory KeyValueStore and can be told to fail reads
// or writes.
type FlakyKV struct {
	*cache.MemoryStore

	mu     sync.Mutex
	getErr error
	setErr error
}

var _ propsync.KeyValueStore = (*FlakyKV)(nil)

// NewFlakyKV creates an unbounded in-memory store.
func NewFlakyKV() *FlakyKV {
	return &FlakyKV{MemoryStore: cache.NewMemoryStore(0)}
}

// FailGets makes Get return err; nil restores normal behaviour.
func (k *FlakyKV) FailGets(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.getErr = err
}

// FailSets makes Set and Remove return err; nil restores normal behaviour.
func (k *FlakyKV) FailSets(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.setErr = err
}

func (k *FlakyKV) Get(ctx context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	err := k.getErr
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return k.MemoryStore.Get(ctx, key)
}

func (k *FlakyKV) Set(ctx context.Context, key string, value []byte) error {
	k.mu.Lock()
	err := k.setErr
	k.mu.Unlock()
	if err != nil {
		return err
	}
	return k.MemoryStore.Set(ctx, key, value)
}

func (k *FlakyKV) Remove(ctx context.Context, key string) error {
	k.mu.Lock()
	err := k.setErr
	k.mu.Unlock()
	if err != nil {
		return err
	}
	return k.MemoryStore.Remove(ctx, key)
}
