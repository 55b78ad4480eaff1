package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"propsync/internal/propsync"
)

// DefaultMaxEntries bounds each namespace's queue.
const DefaultMaxEntries = 500

const keyPrefix = "outbox:"

// Queue implements propsync.Outbox on top of a KeyValueStore. Each
// namespace's mutations are kept as one ordered JSON array under
// "outbox:<namespace>", optionally sealed.
type Queue struct {
	store      propsync.KeyValueStore
	sealer     propsync.Sealer
	maxEntries int
	mu         sync.Mutex
}

var _ propsync.Outbox = (*Queue)(nil)

// NewQueue creates a queue over store. sealer may be nil. maxEntries <= 0
// selects DefaultMaxEntries.
func NewQueue(store propsync.KeyValueStore, sealer propsync.Sealer, maxEntries int) *Queue {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Queue{store: store, sealer: sealer, maxEntries: maxEntries}
}

// Append adds m to the end of its namespace's queue.
func (q *Queue) Append(ctx context.Context, m propsync.Mutation) error {
	if m.Namespace == "" || m.ID == "" {
		return fmt.Errorf("%w: mutation requires namespace and id", propsync.ErrValidation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load(ctx, m.Namespace)
	if err != nil {
		return err
	}
	if len(queue) >= q.maxEntries {
		return fmt.Errorf("outbox full: %s already holds %d mutations", m.Namespace, len(queue))
	}
	return q.save(ctx, m.Namespace, append(queue, m))
}

// Pending returns the namespace's mutations, oldest first.
func (q *Queue) Pending(ctx context.Context, namespace string) ([]propsync.Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx, namespace)
}

// Len returns the number of mutations waiting in namespace.
func (q *Queue) Len(ctx context.Context, namespace string) (int, error) {
	pending, err := q.Pending(ctx, namespace)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Ack removes the mutation with the given id. Unknown ids are ignored.
func (q *Queue) Ack(ctx context.Context, namespace, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load(ctx, namespace)
	if err != nil {
		return err
	}
	for i, m := range queue {
		if m.ID == id {
			return q.save(ctx, namespace, append(queue[:i], queue[i+1:]...))
		}
	}
	return nil
}

// MarkFailed bumps the attempt counter and records cause.
func (q *Queue) MarkFailed(ctx context.Context, namespace, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load(ctx, namespace)
	if err != nil {
		return err
	}
	for i := range queue {
		if queue[i].ID == id {
			queue[i].Attempts++
			if cause != nil {
				queue[i].LastError = cause.Error()
			}
			return q.save(ctx, namespace, queue)
		}
	}
	return fmt.Errorf("mutation %s not in %s outbox: %w", id, namespace, propsync.ErrNotFound)
}

// Status summarises a namespace's queue for display.
type Status struct {
	Namespace string
	Pending   int
	Oldest    time.Time
	LastError string
}

// Status reports the queue state for each namespace.
func (q *Queue) Status(ctx context.Context, namespaces ...string) ([]Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Status, 0, len(namespaces))
	for _, ns := range namespaces {
		queue, err := q.load(ctx, ns)
		if err != nil {
			return nil, err
		}
		st := Status{Namespace: ns, Pending: len(queue)}
		if len(queue) > 0 {
			st.Oldest = queue[0].CreatedAt
			st.LastError = queue[0].LastError
		}
		out = append(out, st)
	}
	return out, nil
}

func (q *Queue) load(ctx context.Context, namespace string) ([]propsync.Mutation, error) {
	data, err := q.store.Get(ctx, keyPrefix+namespace)
	if err != nil {
		return nil, fmt.Errorf("reading %s outbox: %w", namespace, err)
	}
	if data == nil {
		return nil, nil
	}
	if q.sealer != nil {
		if data, err = q.sealer.Open(data); err != nil {
			return nil, fmt.Errorf("opening %s outbox: %w", namespace, err)
		}
	}
	var queue []propsync.Mutation
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("decoding %s outbox: %w", namespace, err)
	}
	return queue, nil
}

func (q *Queue) save(ctx context.Context, namespace string, queue []propsync.Mutation) error {
	key := keyPrefix + namespace
	if len(queue) == 0 {
		if err := q.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("clearing %s outbox: %w", namespace, err)
		}
		return nil
	}

	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encoding %s outbox: %w", namespace, err)
	}
	if q.sealer != nil {
		if data, err = q.sealer.Seal(data); err != nil {
			return fmt.Errorf("sealing %s outbox: %w", namespace, err)
		}
	}
	if err := q.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("writing %s outbox: %w", namespace, err)
	}
	return nil
}
