package propsync

import (
	"context"
	"sync"
	"time"
)

// HealthConfig tunes probing and recovery.
type HealthConfig struct {
	// Interval is how long a health result stays fresh.
	Interval time.Duration
	// RecoveryLimit caps recovery attempts within RecoveryWindow.
	RecoveryLimit  int
	RecoveryWindow time.Duration
	// RecoveryCooldown is how long after a successful recovery the attempt
	// counter resets.
	RecoveryCooldown time.Duration
	// CycleWait is the pause between disabling and re-enabling the network
	// after an internal assertion; DuplicateWait is the longer pause used
	// for duplicate-target conflicts.
	CycleWait     time.Duration
	DuplicateWait time.Duration
}

// DefaultHealthConfig returns the production tuning.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:         5 * time.Second,
		RecoveryLimit:    3,
		RecoveryWindow:   time.Minute,
		RecoveryCooldown: 30 * time.Second,
		CycleWait:        time.Second,
		DuplicateWait:    2 * time.Second,
	}
}

// ConnectionState is the mutable connection bookkeeping owned by one
// HealthMonitor. Synchronizers and subscriptions share it through the
// monitor rather than through package state.
type ConnectionState struct {
	mu sync.Mutex

	healthy     bool
	lastCheck   time.Time
	attempts    int
	windowStart time.Time
	lastSuccess time.Time
}

// ConnectionSnapshot is a point-in-time copy of ConnectionState.
type ConnectionSnapshot struct {
	Healthy          bool
	LastCheck        time.Time
	RecoveryAttempts int
	LastRecovery     time.Time
}

// HealthMonitor answers whether the remote store is reachable without
// probing on every call, and runs the recovery strategies for known error
// signatures.
type HealthMonitor struct {
	remote NetworkController
	state  *ConnectionState
	clock  Clock
	logger Logger
	cfg    HealthConfig
}

// NewHealthMonitor creates a monitor with fresh connection state. The store
// is assumed healthy until the first check says otherwise.
func NewHealthMonitor(remote NetworkController, clock Clock, logger Logger, cfg HealthConfig) *HealthMonitor {
	return &HealthMonitor{
		remote: remote,
		state:  &ConnectionState{healthy: true},
		clock:  clock,
		logger: logger,
		cfg:    cfg,
	}
}

// CheckHealth returns the cached flag while it is fresh, otherwise checks
// the store and records the outcome.
func (h *HealthMonitor) CheckHealth(ctx context.Context) bool {
	now := h.clock.Now()

	h.state.mu.Lock()
	if !h.state.lastCheck.IsZero() && now.Sub(h.state.lastCheck) < h.cfg.Interval {
		healthy := h.state.healthy
		h.state.mu.Unlock()
		return healthy
	}
	h.state.mu.Unlock()

	err := h.remote.EnableNetwork(ctx)
	healthy := err == nil

	h.state.mu.Lock()
	changed := healthy != h.state.healthy
	h.state.healthy = healthy
	h.state.lastCheck = h.clock.Now()
	h.state.mu.Unlock()

	if changed {
		if healthy {
			h.logger.Info("remote store reachable")
		} else {
			h.logger.Warn("remote store unreachable", "error", err)
		}
	}
	return healthy
}

// Healthy returns the cached flag without probing.
func (h *HealthMonitor) Healthy() bool {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	return h.state.healthy
}

// Snapshot returns a copy of the connection state.
func (h *HealthMonitor) Snapshot() ConnectionSnapshot {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	return ConnectionSnapshot{
		Healthy:          h.state.healthy,
		LastCheck:        h.state.lastCheck,
		RecoveryAttempts: h.state.attempts,
		LastRecovery:     h.state.lastSuccess,
	}
}

// MarkUnhealthy records a failed remote call so the next CheckHealth checks
// instead of answering from cache.
func (h *HealthMonitor) MarkUnhealthy() {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.healthy = false
	h.state.lastCheck = time.Time{}
}

// Recover runs the recovery strategy matching err. It returns true when a
// recovery ran and succeeded. Errors without a strategy, and attempts beyond
// the cap, return false.
func (h *HealthMonitor) Recover(ctx context.Context, err error) bool {
	class := ClassifyError(err)
	switch class {
	case ClassInternalAssertion, ClassDuplicateTarget, ClassPermission:
	default:
		return false
	}

	if !h.reserveAttempt() {
		h.logger.Warn("recovery limit reached, skipping", "class", class.String(), "limit", h.cfg.RecoveryLimit)
		return false
	}

	h.logger.Info("attempting connection recovery", "class", class.String(), "error", err)

	var rerr error
	switch class {
	case ClassInternalAssertion:
		rerr = h.cycleNetwork(ctx, h.cfg.CycleWait)
	case ClassDuplicateTarget:
		rerr = h.cycleNetwork(ctx, h.cfg.DuplicateWait)
	case ClassPermission:
		rerr = h.remote.RefreshCredentials(ctx)
	}

	now := h.clock.Now()
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	if rerr != nil {
		h.state.healthy = false
		h.state.lastCheck = now
		h.logger.Warn("connection recovery failed", "class", class.String(), "error", rerr)
		return false
	}
	h.state.healthy = true
	h.state.lastCheck = now
	h.state.lastSuccess = now
	h.logger.Info("connection recovered", "class", class.String())
	return true
}

// reserveAttempt applies the rolling-window cap and counts one attempt.
func (h *HealthMonitor) reserveAttempt() bool {
	now := h.clock.Now()

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	if !h.state.lastSuccess.IsZero() && now.Sub(h.state.lastSuccess) >= h.cfg.RecoveryCooldown {
		h.state.attempts = 0
		h.state.lastSuccess = time.Time{}
		h.state.windowStart = now
	}
	if h.state.windowStart.IsZero() || now.Sub(h.state.windowStart) >= h.cfg.RecoveryWindow {
		h.state.attempts = 0
		h.state.windowStart = now
	}
	if h.state.attempts >= h.cfg.RecoveryLimit {
		return false
	}
	h.state.attempts++
	return true
}

func (h *HealthMonitor) cycleNetwork(ctx context.Context, wait time.Duration) error {
	if err := h.remote.DisableNetwork(ctx); err != nil {
		return err
	}
	if err := sleep(ctx, h.clock, wait); err != nil {
		// Leave the client usable even when the wait is cut short.
		_ = h.remote.EnableNetwork(context.WithoutCancel(ctx))
		return err
	}
	return h.remote.EnableNetwork(ctx)
}
