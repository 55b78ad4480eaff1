package testutil

import (
	"context"
	"sync"

	"propsync/internal/model"
	"propsync/internal/propsync"
	"propsync/internal/remote"
)

// Operation names accepted by FaultyRemote.
const (
	OpList    = "list"
	OpGet     = "get"
	OpSet     = "set"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpListen  = "listen"
	OpEnable  = "enable"
	OpDisable = "disable"
	OpRefresh = "refresh"
)

type fault struct {
	err       error
	remaining int // < 0 fails forever
}

// FaultyRemote wraps an in-memory remote store and injects failures per
// operation. It counts every call, failed or not.
type FaultyRemote struct {
	*remote.MemoryStore

	mu     sync.Mutex
	faults map[string]*fault
	calls  map[string]int
}

var _ propsync.RemoteStore = (*FaultyRemote)(nil)

// NewFaultyRemote wraps a fresh in-memory store.
func NewFaultyRemote() *FaultyRemote {
	return &FaultyRemote{
		MemoryStore: remote.NewMemoryStore(),
		faults:      make(map[string]*fault),
		calls:       make(map[string]int),
	}
}

// Fail makes every call to op return err until Heal is called.
func (f *FaultyRemote) Fail(op string, err error) {
	f.FailTimes(op, -1, err)
}

// FailTimes makes the next n calls to op return err.
func (f *FaultyRemote) FailTimes(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = &fault{err: err, remaining: n}
}

// Heal clears injected failures for ops, or for every op when none is given.
func (f *FaultyRemote) Heal(ops ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(ops) == 0 {
		f.faults = make(map[string]*fault)
		return
	}
	for _, op := range ops {
		delete(f.faults, op)
	}
}

// Calls returns how many times op was invoked.
func (f *FaultyRemote) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ResetCalls zeroes every call counter.
func (f *FaultyRemote) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

func (f *FaultyRemote) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	ft, ok := f.faults[op]
	if !ok {
		return nil
	}
	if ft.remaining > 0 {
		ft.remaining--
		if ft.remaining == 0 {
			delete(f.faults, op)
		}
	}
	return ft.err
}

func (f *FaultyRemote) List(ctx context.Context, collection string) ([]model.WireEntity, error) {
	if err := f.check(OpList); err != nil {
		return nil, err
	}
	return f.MemoryStore.List(ctx, collection)
}

func (f *FaultyRemote) Get(ctx context.Context, collection, id string) (model.WireEntity, bool, error) {
	if err := f.check(OpGet); err != nil {
		return model.WireEntity{}, false, err
	}
	return f.MemoryStore.Get(ctx, collection, id)
}

func (f *FaultyRemote) Set(ctx context.Context, collection string, doc model.WireEntity) error {
	if err := f.check(OpSet); err != nil {
		return err
	}
	return f.MemoryStore.Set(ctx, collection, doc)
}

func (f *FaultyRemote) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := f.check(OpUpdate); err != nil {
		return err
	}
	return f.MemoryStore.Update(ctx, collection, id, fields)
}

func (f *FaultyRemote) Delete(ctx context.Context, collection, id string) error {
	if err := f.check(OpDelete); err != nil {
		return err
	}
	return f.MemoryStore.Delete(ctx, collection, id)
}

func (f *FaultyRemote) Listen(ctx context.Context, collection string, onSnapshot propsync.SnapshotFunc, onError func(error)) (func(), error) {
	if err := f.check(OpListen); err != nil {
		return nil, err
	}
	return f.MemoryStore.Listen(ctx, collection, onSnapshot, onError)
}

func (f *FaultyRemote) EnableNetwork(ctx context.Context) error {
	if err := f.check(OpEnable); err != nil {
		return err
	}
	return f.MemoryStore.EnableNetwork(ctx)
}

func (f *FaultyRemote) DisableNetwork(ctx context.Context) error {
	if err := f.check(OpDisable); err != nil {
		return err
	}
	return f.MemoryStore.DisableNetwork(ctx)
}

func (f *FaultyRemote) RefreshCredentials(ctx context.Context) error {
	if err := f.check(OpRefresh); err != nil {
		return err
	}
	return f.MemoryStore.RefreshCredentials(ctx)
}

// Seed writes docs straight into the underlying store, bypassing faults
// and call counters.
func (f *FaultyRemote) Seed(t TB, collection string, entities ...model.Entity) {
	t.Helper()
	for _, e := range entities {
		if err := f.MemoryStore.Set(context.Background(), collection, model.ToWire(e)); err != nil {
			t.Fatalf("seeding %s/%s: %v", collection, e.ID, err)
		}
	}
}
