package propsync

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time so retry backoff, health intervals and reconnect
// delays are deterministic in tests.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

// TimestampIDGenerator derives entity ids from the clock in Unix
// milliseconds. Two ids issued in the same millisecond get a numeric suffix.
type TimestampIDGenerator struct {
	Clock Clock

	mu   sync.Mutex
	last string
	seq  int
}

func (g *TimestampIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := strconv.FormatInt(g.Clock.Now().UnixMilli(), 10)
	if id == g.last {
		g.seq++
		return id + "-" + strconv.Itoa(g.seq)
	}
	g.last = id
	g.seq = 0
	return id
}

// sleep waits for d on clock, returning early with the context error.
func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
