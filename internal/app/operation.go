package app

import (
	"sync"
	"time"

	"propsync/internal/propsync"
)

// Operation tracks one CLI or server run for the log. It starts in the
// "success" state and records the first failure reported to Finish.
type Operation struct {
	Name      string
	StartedAt time.Time
	Status    string // "success" or "error"

	clock    propsync.Clock
	once     sync.Once
	finished time.Time
}

// NewOperation starts tracking the named operation.
func NewOperation(name string, clock propsync.Clock) *Operation {
	if name == "" {
		name = "unnamed"
	}
	return &Operation{
		Name:      name,
		StartedAt: clock.Now(),
		Status:    "success",
		clock:     clock,
	}
}

// Finish stamps the end time. Only the first call counts.
func (op *Operation) Finish(err error) {
	op.once.Do(func() {
		op.finished = op.clock.Now()
		if err != nil {
			op.Status = "error"
		}
	})
}

// Finished returns true once Finish has been called.
func (op *Operation) Finished() bool {
	return !op.finished.IsZero()
}

// Duration is the elapsed time between start and Finish, or until now
// while the operation is still running.
func (op *Operation) Duration() time.Duration {
	end := op.finished
	if end.IsZero() {
		end = op.clock.Now()
	}
	return end.Sub(op.StartedAt)
}
