package propsync

import (
	"context"
	"sync"
	"sync/atomic"

	"propsync/internal/model"
)

// SubscriptionState is the lifecycle state of a Subscription.
type SubscriptionState int32

const (
	StateIdle SubscriptionState = iota
	StateSubscribing
	StateActive
	StateErrorRecovering
	StateUnsubscribed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateErrorRecovering:
		return "error-recovering"
	case StateUnsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// Subscription is a live change feed for one entity kind. The callback
// always receives a full snapshot; each call supersedes the previous one.
type Subscription struct {
	closed atomic.Bool
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	// deliverMu serialises callback invocations and lets teardown wait for
	// an in-flight one.
	deliverMu sync.Mutex
}

// State reports the current lifecycle state.
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

func (s *Subscription) setState(st SubscriptionState) {
	if s.closed.Load() {
		return
	}
	s.state.Store(int32(st))
}

// Unsubscribe stops the feed. Notifications arriving afterwards are
// discarded and any pending reconnect is cancelled. It does not block and
// may be called from inside the callback.
func (s *Subscription) Unsubscribe() {
	if s.closed.Swap(true) {
		return
	}
	s.state.Store(int32(StateUnsubscribed))
	s.cancel()
}

// Done is closed once the subscription loop has exited and the remote
// listener is detached.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) deliver(cb func([]model.Entity), entities []model.Entity) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed.Load() {
		return false
	}
	cb(entities)
	return true
}

// Subscribe opens the change feed and returns immediately. The feed runs
// until Unsubscribe is called or ctx is cancelled; errors trigger a single
// fallback delivery from the cache (or defaults) and a reconnect after the
// configured delay, indefinitely.
func (s *Synchronizer) Subscribe(ctx context.Context, callback func([]model.Entity)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	sub.state.Store(int32(StateIdle))

	go s.runSubscription(ctx, sub, callback)
	return sub
}

func (s *Synchronizer) runSubscription(ctx context.Context, sub *Subscription, cb func([]model.Entity)) {
	defer close(sub.done)
	defer sub.Unsubscribe()

	for {
		sub.setState(StateSubscribing)

		errCh := make(chan error, 1)
		onError := func(err error) {
			select {
			case errCh <- err:
			default:
			}
		}
		onSnapshot := func(docs []model.WireEntity) {
			s.handleSnapshot(ctx, sub, cb, docs)
		}

		stop, err := s.remote.Listen(ctx, s.kind.Collection, onSnapshot, onError)
		if err == nil {
			if sub.State() == StateSubscribing {
				sub.setState(StateActive)
			}
			select {
			case <-ctx.Done():
				stop()
				return
			case err = <-errCh:
				stop()
			}
		}
		if ctx.Err() != nil {
			return
		}

		sub.setState(StateErrorRecovering)
		s.logger.Error("subscription error", "kind", s.kind.Name, "error", err)
		if s.health != nil {
			s.health.MarkUnhealthy()
			s.health.Recover(ctx, err)
		}

		fallback, source := s.fallbackCollection(ctx)
		if sub.deliver(cb, fallback) {
			s.logger.Info("subscription serving fallback", "kind", s.kind.Name, "source", string(source), "count", len(fallback))
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.reconnectDelay):
			s.logger.Info("subscription reconnecting", "kind", s.kind.Name)
		}
	}
}

// handleSnapshot mirrors a change batch into the cache and forwards it. An
// empty collection is reported as the bundled defaults, which also seed the
// cache.
func (s *Synchronizer) handleSnapshot(ctx context.Context, sub *Subscription, cb func([]model.Entity), docs []model.WireEntity) {
	if sub.closed.Load() {
		return
	}
	sub.setState(StateActive)

	entities := s.fromDocs(docs)
	if len(entities) == 0 {
		entities = s.kind.DefaultEntities()
	}
	if err := s.cache.WriteAll(ctx, s.kind.Namespace, entities); err != nil {
		s.logger.Warn("mirroring snapshot to cache failed", "kind", s.kind.Name, "error", err)
	}
	sub.deliver(cb, entities)
}

// Stream exposes the subscription as a channel of snapshots. Only the
// latest undelivered snapshot is kept. The channel is closed after ctx is
// cancelled.
func (s *Synchronizer) Stream(ctx context.Context) <-chan []model.Entity {
	ch := make(chan []model.Entity, 1)
	sub := s.Subscribe(ctx, func(entities []model.Entity) {
		select {
		case ch <- entities:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- entities
		}
	})

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
		<-sub.Done()
		// Wait out a callback that was already running.
		sub.deliverMu.Lock()
		close(ch)
		sub.deliverMu.Unlock()
	}()
	return ch
}
