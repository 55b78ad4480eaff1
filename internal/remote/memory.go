package remote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"propsync/internal/model"
	"propsync/internal/propsync"
)

// MemoryStore is an in-memory implementation of propsync.RemoteStore.
// Listeners receive a full snapshot synchronously after every write.
// This implementation is safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte // collection -> id -> encoded document
	listeners   map[string]map[int]*memoryListener
	nextID      int
	offline     atomic.Bool
}

type memoryListener struct {
	onSnapshot propsync.SnapshotFunc
	onError    func(error)
	stopped    atomic.Bool
}

var _ propsync.RemoteStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string][]byte),
		listeners:   make(map[string]map[int]*memoryListener),
	}
}

func (m *MemoryStore) checkOnline() error {
	if m.offline.Load() {
		return fmt.Errorf("memory store offline: %w", propsync.ErrUnavailable)
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, collection string) ([]model.WireEntity, error) {
	if err := m.checkOnline(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(collection)
}

func (m *MemoryStore) snapshotLocked(collection string) ([]model.WireEntity, error) {
	docs := make([]model.WireEntity, 0, len(m.collections[collection]))
	for _, data := range m.collections[collection] {
		doc, err := propsync.DecodeDocument(data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	model.SortWireNewestFirst(docs)
	return docs, nil
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (model.WireEntity, bool, error) {
	if err := m.checkOnline(); err != nil {
		return model.WireEntity{}, false, err
	}
	m.mu.RLock()
	data, ok := m.collections[collection][id]
	m.mu.RUnlock()
	if !ok {
		return model.WireEntity{}, false, nil
	}
	doc, err := propsync.DecodeDocument(data)
	if err != nil {
		return model.WireEntity{}, false, err
	}
	return doc, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, collection string, doc model.WireEntity) error {
	if err := m.checkOnline(); err != nil {
		return err
	}
	data, err := propsync.EncodeDocument(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string][]byte)
	}
	m.collections[collection][doc.ID] = data
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := m.checkOnline(); err != nil {
		return err
	}

	m.mu.Lock()
	data, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("updating %s/%s: %w", collection, id, propsync.ErrNotFound)
	}
	doc, err := propsync.DecodeDocument(data)
	if err == nil {
		doc, err = model.ApplyUpdates(doc, fields)
	}
	if err == nil {
		data, err = propsync.EncodeDocument(doc)
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.collections[collection][id] = data
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := m.checkOnline(); err != nil {
		return err
	}

	m.mu.Lock()
	_, existed := m.collections[collection][id]
	delete(m.collections[collection], id)
	m.mu.Unlock()

	if existed {
		m.notify(collection)
	}
	return nil
}

// Listen delivers the current contents before returning, then a snapshot
// after every write to the collection.
func (m *MemoryStore) Listen(ctx context.Context, collection string, onSnapshot propsync.SnapshotFunc, onError func(error)) (func(), error) {
	if err := m.checkOnline(); err != nil {
		return nil, err
	}

	l := &memoryListener{onSnapshot: onSnapshot, onError: onError}

	m.mu.Lock()
	if m.listeners[collection] == nil {
		m.listeners[collection] = make(map[int]*memoryListener)
	}
	m.nextID++
	id := m.nextID
	m.listeners[collection][id] = l
	docs, err := m.snapshotLocked(collection)
	m.mu.Unlock()

	if err != nil {
		m.detach(collection, id)
		return nil, err
	}
	onSnapshot(docs)

	return func() {
		l.stopped.Store(true)
		m.detach(collection, id)
	}, nil
}

func (m *MemoryStore) detach(collection string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners[collection], id)
}

// notify sends the current snapshot to every listener on collection. It runs
// without the lock held so callbacks may call back into the store.
func (m *MemoryStore) notify(collection string) {
	m.mu.RLock()
	docs, err := m.snapshotLocked(collection)
	targets := make([]*memoryListener, 0, len(m.listeners[collection]))
	for _, l := range m.listeners[collection] {
		targets = append(targets, l)
	}
	m.mu.RUnlock()

	for _, l := range targets {
		if l.stopped.Load() {
			continue
		}
		if err != nil {
			if !l.stopped.Swap(true) {
				l.onError(err)
			}
			continue
		}
		l.onSnapshot(docs)
	}
}

// BreakListeners fails every listener on collection with err, as a dropped
// connection would. The listeners are detached.
func (m *MemoryStore) BreakListeners(collection string, err error) {
	m.mu.Lock()
	targets := m.listeners[collection]
	delete(m.listeners, collection)
	m.mu.Unlock()

	for _, l := range targets {
		if !l.stopped.Swap(true) {
			l.onError(err)
		}
	}
}

// ListenerCount reports how many listeners are attached to collection.
func (m *MemoryStore) ListenerCount(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners[collection])
}

func (m *MemoryStore) EnableNetwork(ctx context.Context) error {
	m.offline.Store(false)
	return nil
}

func (m *MemoryStore) DisableNetwork(ctx context.Context) error {
	m.offline.Store(true)
	for collection := range m.listenerCollections() {
		m.BreakListeners(collection, fmt.Errorf("network disabled: %w", propsync.ErrUnavailable))
	}
	return nil
}

func (m *MemoryStore) listenerCollections() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.listeners))
	for c := range m.listeners {
		out[c] = struct{}{}
	}
	return out
}

func (m *MemoryStore) RefreshCredentials(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
