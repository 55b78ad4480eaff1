package testutil

import (
	"time"

	"propsync/internal/encryption"
	"propsync/internal/model"
	"propsync/internal/outbox"
	"propsync/internal/propsync"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

// Harness is a fully wired Synchronizer over in-memory tiers with fault
// injection on both.
type Harness struct {
	Remote  *FaultyRemote
	KV      *FlakyKV
	Cache   *propsync.LocalCache
	Health  *propsync.HealthMonitor
	Retrier *propsync.Retrier
	Outbox  *outbox.Queue
	Clock   *StubClock
	Logger  *RecordingLogger
	Sync    *propsync.Synchronizer
}

// HarnessOption adjusts a Harness before the Synchronizer is built.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	sealer    propsync.Sealer
	noOutbox  bool
	policy    propsync.RetryPolicy
	healthCfg propsync.HealthConfig
}

// WithSealer seals cache values with s.
func WithSealer(s propsync.Sealer) HarnessOption {
	return func(c *harnessConfig) { c.sealer = s }
}

// WithTestSealer seals cache values with the deterministic test sealer.
func WithTestSealer() HarnessOption {
	return WithSealer(encryption.TestSealer{})
}

// WithoutOutbox builds the Synchronizer with no outbox.
func WithoutOutbox() HarnessOption {
	return func(c *harnessConfig) { c.noOutbox = true }
}

// WithRetryPolicy overrides the default three attempts at 1s.
func WithRetryPolicy(p propsync.RetryPolicy) HarnessOption {
	return func(c *harnessConfig) { c.policy = p }
}

// NewHarness wires a Synchronizer for kind. The clock starts at FixedClock
// and entity ids come from a StubIDGenerator.
func NewHarness(t TB, kind propsync.Kind, opts ...HarnessOption) *Harness {
	t.Helper()
	cfg := harnessConfig{
		policy:    propsync.DefaultRetryPolicy(),
		healthCfg: propsync.DefaultHealthConfig(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Harness{
		Remote: NewFaultyRemote(),
		KV:     NewFlakyKV(),
		Clock:  FixedClock(),
		Logger: NewRecordingLogger(),
	}
	h.Cache = propsync.NewLocalCache(h.KV, cfg.sealer, h.Logger)
	h.Health = propsync.NewHealthMonitor(h.Remote, h.Clock, h.Logger, cfg.healthCfg)
	h.Retrier = propsync.NewRetrier(h.Health, h.Clock, h.Logger, cfg.policy)

	deps := propsync.Deps{
		Remote:         h.Remote,
		Cache:          h.Cache,
		Health:         h.Health,
		Retrier:        h.Retrier,
		Clock:          h.Clock,
		EntityIDs:      NewStubIDGenerator(),
		MutationIDs:    NewStubIDGenerator(),
		Logger:         h.Logger,
		ReconnectDelay: 5 * time.Second,
	}
	if !cfg.noOutbox {
		h.Outbox = outbox.NewQueue(h.KV, cfg.sealer, 0)
		deps.Outbox = h.Outbox
	}
	h.Sync = propsync.NewSynchronizer(kind, deps)
	t.Cleanup(func() { h.Remote.Close() })
	return h
}

// NewKind returns a listings-like kind with the given bundled defaults.
func NewKind(defaults []model.Entity, deprecated ...string) propsync.Kind {
	return propsync.Kind{
		Name:          "listings",
		Collection:    "listings",
		Namespace:     "test.listings",
		PriceField:    "price",
		Defaults:      defaults,
		DeprecatedIDs: deprecated,
	}
}

// NewEntity builds a valid entity with a price attribute. created is
// offset in hours from 2024-01-01 UTC so ordering is easy to reason about.
func NewEntity(id string, availability model.Availability, price float64, createdHour int) model.Entity {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(createdHour) * time.Hour)
	return model.Entity{
		ID:           id,
		Attributes:   map[string]any{"title": "Listing " + id, "price": price},
		Availability: availability,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

// IDs returns the ids of entities in order.
func IDs(entities []model.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.ID)
	}
	return out
}
