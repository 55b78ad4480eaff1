package propsync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"propsync/internal/model"
)

// Source names the tier a read was served from.
type Source string

const (
	SourceRemote   Source = "remote"
	SourceCache    Source = "cache"
	SourceDefaults Source = "defaults"
)

// Patch is a partial update keyed by field path ("availability",
// "attributes.price", ...). See model.ApplyUpdates.
type Patch map[string]any

// Deps are the collaborators shared by every Synchronizer in a process.
type Deps struct {
	Remote  RemoteStore
	Cache   *LocalCache
	Health  *HealthMonitor
	Retrier *Retrier
	// Outbox may be nil, in which case cache-only writes are only logged.
	Outbox Outbox
	Clock  Clock
	// EntityIDs issues ids for entities saved without one.
	EntityIDs IDGenerator
	// MutationIDs issues outbox record ids.
	MutationIDs IDGenerator
	Logger      Logger
	// ReconnectDelay is the pause before a broken subscription reconnects.
	ReconnectDelay time.Duration
}

// Synchronizer is the read/write API for one entity kind, falling back from
// the remote store to the local cache to the bundled defaults.
type Synchronizer struct {
	kind           Kind
	remote         RemoteStore
	cache          *LocalCache
	health         *HealthMonitor
	retrier        *Retrier
	outbox         Outbox
	clock          Clock
	ids            IDGenerator
	mutationIDs    IDGenerator
	logger         Logger
	reconnectDelay time.Duration
}

// NewSynchronizer creates a Synchronizer for kind.
func NewSynchronizer(kind Kind, deps Deps) *Synchronizer {
	if deps.EntityIDs == nil {
		deps.EntityIDs = &TimestampIDGenerator{Clock: deps.Clock}
	}
	if deps.MutationIDs == nil {
		deps.MutationIDs = UUIDGenerator{}
	}
	if deps.ReconnectDelay <= 0 {
		deps.ReconnectDelay = 5 * time.Second
	}
	return &Synchronizer{
		kind:           kind,
		remote:         deps.Remote,
		cache:          deps.Cache,
		health:         deps.Health,
		retrier:        deps.Retrier,
		outbox:         deps.Outbox,
		clock:          deps.Clock,
		ids:            deps.EntityIDs,
		mutationIDs:    deps.MutationIDs,
		logger:         deps.Logger,
		reconnectDelay: deps.ReconnectDelay,
	}
}

// Kind returns the entity kind this synchronizer serves.
func (s *Synchronizer) Kind() Kind { return s.kind }

func (s *Synchronizer) label(op, id string) string {
	if id == "" {
		return s.kind.Name + " " + op
	}
	return s.kind.Name + " " + op + " " + id
}

// FetchAll returns the best available view of the collection. It never fails.
func (s *Synchronizer) FetchAll(ctx context.Context) []model.Entity {
	entities, _ := s.FetchAllWithSource(ctx)
	return entities
}

// FetchAllWithSource is FetchAll that also reports which tier answered.
func (s *Synchronizer) FetchAllWithSource(ctx context.Context) ([]model.Entity, Source) {
	docs, err := WithRetry(ctx, s.retrier, s.label("fetch all", ""), 0, func(ctx context.Context) ([]model.WireEntity, error) {
		return s.remote.List(ctx, s.kind.Collection)
	})
	if err != nil {
		s.logger.Warn("remote fetch failed, falling back", "kind", s.kind.Name, "error", err)
		return s.fallbackCollection(ctx)
	}

	entities := s.fromDocs(docs)
	if len(entities) == 0 {
		s.logger.Debug("remote collection empty, falling back", "kind", s.kind.Name)
		return s.fallbackCollection(ctx)
	}

	if err := s.cache.WriteAll(ctx, s.kind.Namespace, entities); err != nil {
		s.logger.Warn("mirroring remote collection to cache failed", "kind", s.kind.Name, "error", err)
	}
	return entities, SourceRemote
}

// fallbackCollection serves the cache, or the defaults when the cache is
// empty or unreadable.
func (s *Synchronizer) fallbackCollection(ctx context.Context) ([]model.Entity, Source) {
	if cached := s.cache.Read(ctx, s.kind.Namespace); len(cached) > 0 {
		return cached, SourceCache
	}
	return s.kind.DefaultEntities(), SourceDefaults
}

// fromDocs converts remote documents, skipping ones that fail to parse.
func (s *Synchronizer) fromDocs(docs []model.WireEntity) []model.Entity {
	entities := make([]model.Entity, 0, len(docs))
	for _, d := range docs {
		e, err := model.FromWire(d)
		if err != nil {
			s.logger.Warn("skipping malformed remote document", "kind", s.kind.Name, "id", d.ID, "error", err)
			continue
		}
		entities = append(entities, e)
	}
	model.SortNewestFirst(entities)
	return entities
}

// FetchByID looks the entity up remotely. Only when the remote lookup fails
// does it fall back to the cache, then the defaults. An empty id is absent
// without any lookup.
func (s *Synchronizer) FetchByID(ctx context.Context, id string) (model.Entity, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return model.Entity{}, false
	}

	doc, found, err := s.getRemote(ctx, "fetch", id)
	switch {
	case err != nil:
		s.logger.Warn("remote lookup failed, falling back", "kind", s.kind.Name, "id", id, "error", err)
	case !found:
		// A clean miss is authoritative unless the entity still has writes
		// queued for replay.
		if s.hasPending(ctx, id) {
			return s.cache.Find(ctx, s.kind.Namespace, id)
		}
		return model.Entity{}, false
	default:
		e, err := model.FromWire(doc)
		if err == nil {
			return e, true
		}
		s.logger.Warn("malformed remote document, falling back", "kind", s.kind.Name, "id", id, "error", err)
	}

	if e, ok := s.cache.Find(ctx, s.kind.Namespace, id); ok {
		return e, true
	}
	return s.kind.findDefault(id)
}

// getRemote is a point read through the retry executor.
func (s *Synchronizer) getRemote(ctx context.Context, op, id string) (model.WireEntity, bool, error) {
	type result struct {
		doc   model.WireEntity
		found bool
	}
	res, err := WithRetry(ctx, s.retrier, s.label(op, id), 0, func(ctx context.Context) (result, error) {
		doc, found, err := s.remote.Get(ctx, s.kind.Collection, id)
		return result{doc, found}, err
	})
	return res.doc, res.found, err
}

// Save upserts the full entity. It assigns an id and timestamps when absent.
// On remote failure the entity is kept in the cache and queued for replay;
// only a failure of both tiers is returned, as a *TierError.
func (s *Synchronizer) Save(ctx context.Context, e model.Entity) (model.Entity, error) {
	e = e.Clone()
	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	if strings.TrimSpace(e.ID) == "" {
		e.ID = s.ids.New()
	}
	if e.Availability == "" {
		e.Availability = model.Available
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	} else {
		e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Millisecond)
	}
	e.UpdatedAt = now
	if e.UpdatedAt.Before(e.CreatedAt) {
		e.UpdatedAt = e.CreatedAt
	}
	if err := model.Validate(e); err != nil {
		return model.Entity{}, err
	}

	doc := model.ToWire(e)
	if s.settlePending(ctx, e.ID) {
		if cerr := s.cache.Upsert(ctx, s.kind.Namespace, e); cerr != nil {
			return model.Entity{}, &TierError{Op: "save", Kind: s.kind.Name, ID: e.ID, Remote: ErrWritesPending, Cache: cerr}
		}
		s.record(ctx, OpSave, e.ID, &doc, nil, ErrWritesPending)
		return e, nil
	}

	err := s.retrier.Run(ctx, s.label("save", e.ID), 0, func(ctx context.Context) error {
		return s.remote.Set(ctx, s.kind.Collection, doc)
	})
	if err == nil {
		if cerr := s.cache.Upsert(ctx, s.kind.Namespace, e); cerr != nil {
			s.logger.Warn("cache refresh after save failed", "kind", s.kind.Name, "id", e.ID, "error", cerr)
		}
		return e, nil
	}

	s.logger.Warn("remote save failed, saving to cache only", "kind", s.kind.Name, "id", e.ID, "error", err)
	if cerr := s.cache.Upsert(ctx, s.kind.Namespace, e); cerr != nil {
		return model.Entity{}, &TierError{Op: "save", Kind: s.kind.Name, ID: e.ID, Remote: err, Cache: cerr}
	}
	s.record(ctx, OpSave, e.ID, &doc, nil, err)
	return e, nil
}

// Update merges patch into the entity and re-stamps updatedAt. The remote
// result is re-read so the caller gets the canonical document.
func (s *Synchronizer) Update(ctx context.Context, id string, patch Patch) (model.Entity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return model.Entity{}, fmt.Errorf("%w: update without id", ErrValidation)
	}
	fields := maps.Clone(map[string]any(patch))
	if fields == nil {
		fields = map[string]any{}
	}
	fields["updatedAt"] = model.FormatTime(s.clock.Now())

	// Reject malformed paths before touching either tier.
	if _, err := model.ApplyUpdates(model.WireEntity{ID: id, Availability: string(model.Available)}, fields); err != nil {
		return model.Entity{}, err
	}

	if s.settlePending(ctx, id) {
		merged, cerr := s.cache.Merge(ctx, s.kind.Namespace, id, fields)
		if errors.Is(cerr, ErrNotFound) {
			return model.Entity{}, fmt.Errorf("%s %s: %w", s.kind.Name, id, ErrNotFound)
		}
		if cerr != nil {
			return model.Entity{}, &TierError{Op: "update", Kind: s.kind.Name, ID: id, Remote: ErrWritesPending, Cache: cerr}
		}
		s.record(ctx, OpUpdate, id, nil, fields, ErrWritesPending)
		return merged, nil
	}

	err := s.retrier.Run(ctx, s.label("update", id), 0, func(ctx context.Context) error {
		return s.remote.Update(ctx, s.kind.Collection, id, fields)
	})
	if err == nil {
		doc, found, gerr := s.getRemote(ctx, "re-read", id)
		if gerr == nil && found {
			if e, ferr := model.FromWire(doc); ferr == nil {
				if cerr := s.cache.Upsert(ctx, s.kind.Namespace, e); cerr != nil {
					s.logger.Warn("cache refresh after update failed", "kind", s.kind.Name, "id", id, "error", cerr)
				}
				return e, nil
			}
		}
		s.logger.Warn("re-reading updated entity failed, merging locally", "kind", s.kind.Name, "id", id, "error", gerr)
		merged, cerr := s.cache.Merge(ctx, s.kind.Namespace, id, fields)
		if cerr == nil {
			return merged, nil
		}
		s.logger.Warn("cache merge after update failed", "kind", s.kind.Name, "id", id, "error", cerr)
		if base, ok := s.kind.findDefault(id); ok {
			if e, aerr := applyPatch(base, fields); aerr == nil {
				return e, nil
			}
		}
		return model.Entity{}, fmt.Errorf("updating %s %s: %w", s.kind.Name, id, errors.Join(ErrUnconfirmed, gerr, cerr))
	}

	s.logger.Warn("remote update failed, updating cache only", "kind", s.kind.Name, "id", id, "error", err)
	merged, cerr := s.cache.Merge(ctx, s.kind.Namespace, id, fields)
	if cerr != nil {
		if errors.Is(err, ErrNotFound) && errors.Is(cerr, ErrNotFound) {
			return model.Entity{}, fmt.Errorf("%s %s: %w", s.kind.Name, id, ErrNotFound)
		}
		return model.Entity{}, &TierError{Op: "update", Kind: s.kind.Name, ID: id, Remote: err, Cache: cerr}
	}
	if !errors.Is(err, ErrNotFound) {
		s.record(ctx, OpUpdate, id, nil, fields, err)
	}
	return merged, nil
}

// Delete removes the entity from both tiers. On remote failure only the
// cache copy is removed and the delete is queued for replay.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: delete without id", ErrValidation)
	}

	if s.settlePending(ctx, id) {
		if cerr := s.cache.Delete(ctx, s.kind.Namespace, id); cerr != nil {
			return &TierError{Op: "delete", Kind: s.kind.Name, ID: id, Remote: ErrWritesPending, Cache: cerr}
		}
		s.record(ctx, OpDelete, id, nil, nil, ErrWritesPending)
		return nil
	}

	err := s.retrier.Run(ctx, s.label("delete", id), 0, func(ctx context.Context) error {
		return s.remote.Delete(ctx, s.kind.Collection, id)
	})
	if err == nil {
		if cerr := s.cache.Delete(ctx, s.kind.Namespace, id); cerr != nil {
			s.logger.Warn("cache removal after delete failed", "kind", s.kind.Name, "id", id, "error", cerr)
		}
		return nil
	}

	s.logger.Warn("remote delete failed, deleting from cache only", "kind", s.kind.Name, "id", id, "error", err)
	if cerr := s.cache.Delete(ctx, s.kind.Namespace, id); cerr != nil {
		return &TierError{Op: "delete", Kind: s.kind.Name, ID: id, Remote: err, Cache: cerr}
	}
	s.record(ctx, OpDelete, id, nil, nil, err)
	return nil
}

// settlePending flushes the outbox when it holds writes for id, so a direct
// remote write is never overwritten by an older replay. It reports whether
// writes for id are still queued, in which case the caller must queue its
// own write behind them.
func (s *Synchronizer) settlePending(ctx context.Context, id string) bool {
	if !s.hasPending(ctx, id) {
		return false
	}
	if _, err := s.FlushOutbox(ctx); err != nil {
		s.logger.Warn("outbox not drained, queueing write", "kind", s.kind.Name, "id", id, "error", err)
	}
	return s.hasPending(ctx, id)
}

// hasPending reports whether the outbox holds a mutation for id.
func (s *Synchronizer) hasPending(ctx context.Context, id string) bool {
	if s.outbox == nil {
		return false
	}
	pending, err := s.outbox.Pending(ctx, s.kind.Namespace)
	if err != nil {
		s.logger.Warn("reading outbox failed", "kind", s.kind.Name, "error", err)
		return false
	}
	for _, m := range pending {
		if m.EntityID == id {
			return true
		}
	}
	return false
}

func applyPatch(base model.Entity, fields map[string]any) (model.Entity, error) {
	doc, err := model.ApplyUpdates(model.ToWire(base), fields)
	if err != nil {
		return model.Entity{}, err
	}
	return model.FromWire(doc)
}
