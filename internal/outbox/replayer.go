package outbox

import (
	"context"
	"sync"
	"time"

	"propsync/internal/propsync"
)

// Flusher replays one entity kind's pending mutations.
type Flusher interface {
	Kind() propsync.Kind
	FlushOutbox(ctx context.Context) (propsync.FlushReport, error)
}

// HealthChecker gates replay on connectivity.
type HealthChecker interface {
	CheckHealth(ctx context.Context) bool
}

// Replayer periodically flushes every Flusher while the remote store is
// healthy.
type Replayer struct {
	flushers []Flusher
	health   HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   propsync.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewReplayer creates a replayer. It does nothing until Start is called.
func NewReplayer(health HealthChecker, interval time.Duration, logger propsync.Logger, flushers ...Flusher) *Replayer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = propsync.NewNopLogger()
	}
	return &Replayer{
		flushers: flushers,
		health:   health,
		interval: interval,
		timeout:  2 * time.Minute,
		logger:   logger,
	}
}

// Start launches the background loop. It is a no-op if already running.
func (r *Replayer) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true
	r.logger.Info("outbox replayer started", "interval", r.interval.String())

	go r.run(ctx, r.done)
}

// Stop halts the loop and waits for an in-flight flush to finish.
func (r *Replayer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.logger.Info("outbox replayer stopped")
}

func (r *Replayer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one replay pass over every kind if the remote is healthy.
func (r *Replayer) Tick(ctx context.Context) {
	if !r.health.CheckHealth(ctx) {
		r.logger.Debug("skipping outbox replay while remote is unhealthy")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	for _, f := range r.flushers {
		report, err := f.FlushOutbox(ctx)
		if err != nil {
			r.logger.Warn("outbox replay incomplete", "kind", f.Kind().Name, "remaining", report.Remaining, "error", err)
			continue
		}
		if report.Replayed > 0 || report.Dropped > 0 {
			r.logger.Info("outbox replay finished", "kind", f.Kind().Name, "replayed", report.Replayed, "dropped", report.Dropped)
		}
	}
}
