package propsync

import (
	"context"
	"fmt"
	"sync"

	"propsync/internal/model"
)

// LocalCache mirrors whole entity collections into a KeyValueStore, one key
// per namespace. It is never authoritative: reads that cannot be decoded are
// treated as misses, and writers always replace the full collection.
type LocalCache struct {
	store  KeyValueStore
	sealer Sealer
	logger Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalCache wraps store. sealer may be nil, in which case values are
// stored as plain JSON.
func NewLocalCache(store KeyValueStore, sealer Sealer, logger Logger) *LocalCache {
	return &LocalCache{
		store:  store,
		sealer: sealer,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lock serialises read-modify-write cycles on one namespace.
func (c *LocalCache) lock(namespace string) func() {
	c.mu.Lock()
	l, ok := c.locks[namespace]
	if !ok {
		l = &sync.Mutex{}
		c.locks[namespace] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Read returns the cached collection. Missing, undecryptable and malformed
// entries all read as empty.
func (c *LocalCache) Read(ctx context.Context, namespace string) []model.Entity {
	entities, err := c.read(ctx, namespace)
	if err != nil {
		c.logger.Warn("cache entry unreadable, treating as miss", "namespace", namespace, "error", err)
		return nil
	}
	return entities
}

func (c *LocalCache) read(ctx context.Context, namespace string) ([]model.Entity, error) {
	data, err := c.store.Get(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("reading cache key %s: %w", namespace, err)
	}
	if data == nil {
		return nil, nil
	}
	if c.sealer != nil {
		if data, err = c.sealer.Open(data); err != nil {
			return nil, fmt.Errorf("opening sealed cache entry: %w", err)
		}
	}
	return model.DecodeCollection(data)
}

// WriteAll replaces the cached collection. Callers whose remote write already
// succeeded should log a returned error and carry on.
func (c *LocalCache) WriteAll(ctx context.Context, namespace string, entities []model.Entity) error {
	unlock := c.lock(namespace)
	defer unlock()
	return c.writeAll(ctx, namespace, entities)
}

func (c *LocalCache) writeAll(ctx context.Context, namespace string, entities []model.Entity) error {
	data, err := model.EncodeCollection(entities)
	if err != nil {
		return err
	}
	if c.sealer != nil {
		if data, err = c.sealer.Seal(data); err != nil {
			return fmt.Errorf("sealing cache entry: %w", err)
		}
	}
	if err := c.store.Set(ctx, namespace, data); err != nil {
		return fmt.Errorf("writing cache key %s: %w", namespace, err)
	}
	return nil
}

// Remove clears the namespace.
func (c *LocalCache) Remove(ctx context.Context, namespace string) error {
	unlock := c.lock(namespace)
	defer unlock()
	if err := c.store.Remove(ctx, namespace); err != nil {
		return fmt.Errorf("removing cache key %s: %w", namespace, err)
	}
	return nil
}

// Find returns the cached entity with the given id.
func (c *LocalCache) Find(ctx context.Context, namespace, id string) (model.Entity, bool) {
	for _, e := range c.Read(ctx, namespace) {
		if e.ID == id {
			return e, true
		}
	}
	return model.Entity{}, false
}

// Upsert inserts e or replaces the cached entity with the same id, keeping
// the collection ordered newest first.
func (c *LocalCache) Upsert(ctx context.Context, namespace string, e model.Entity) error {
	unlock := c.lock(namespace)
	defer unlock()

	current := c.Read(ctx, namespace)
	replaced := false
	for i := range current {
		if current[i].ID == e.ID {
			current[i] = e.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		current = append(current, e.Clone())
	}
	model.SortNewestFirst(current)
	return c.writeAll(ctx, namespace, current)
}

// Merge applies a field-path update to the cached entity and returns the
// merged result. A missing entity yields ErrNotFound.
func (c *LocalCache) Merge(ctx context.Context, namespace, id string, fields map[string]any) (model.Entity, error) {
	unlock := c.lock(namespace)
	defer unlock()

	current := c.Read(ctx, namespace)
	for i := range current {
		if current[i].ID != id {
			continue
		}
		doc, err := model.ApplyUpdates(model.ToWire(current[i]), fields)
		if err != nil {
			return model.Entity{}, err
		}
		merged, err := model.FromWire(doc)
		if err != nil {
			return model.Entity{}, err
		}
		current[i] = merged
		if err := c.writeAll(ctx, namespace, current); err != nil {
			return model.Entity{}, err
		}
		return merged, nil
	}
	return model.Entity{}, fmt.Errorf("cached entity %s: %w", id, ErrNotFound)
}

// Delete drops the entity with the given id. Dropping an uncached id is a
// no-op.
func (c *LocalCache) Delete(ctx context.Context, namespace, id string) error {
	unlock := c.lock(namespace)
	defer unlock()

	current := c.Read(ctx, namespace)
	kept := current[:0]
	for _, e := range current {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(current) {
		return nil
	}
	return c.writeAll(ctx, namespace, kept)
}
