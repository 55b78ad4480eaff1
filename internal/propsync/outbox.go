package propsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"propsync/internal/model"
)

// MutationOp is the kind of write recorded in the outbox.
type MutationOp string

const (
	OpSave   MutationOp = "save"
	OpUpdate MutationOp = "update"
	OpDelete MutationOp = "delete"
)

// Mutation is a write that reached only the local cache and still has to be
// pushed to the remote store.
type Mutation struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace"`
	Op        MutationOp        `json:"op"`
	EntityID  string            `json:"entityId"`
	Document  *model.WireEntity `json:"document,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"lastError,omitempty"`
}

// Outbox is a durable FIFO of pending mutations per namespace.
type Outbox interface {
	Append(ctx context.Context, m Mutation) error
	// Pending returns the namespace's mutations, oldest first.
	Pending(ctx context.Context, namespace string) ([]Mutation, error)
	// Ack removes a mutation once it has been applied or abandoned.
	Ack(ctx context.Context, namespace, id string) error
	// MarkFailed records a failed replay attempt.
	MarkFailed(ctx context.Context, namespace, id string, cause error) error
}

// FlushReport summarises one outbox replay.
type FlushReport struct {
	Replayed  int
	Dropped   int
	Remaining int
}

// record appends a mutation for a cache-only write. Failure to record is
// logged, never returned: the local write already succeeded.
func (s *Synchronizer) record(ctx context.Context, op MutationOp, entityID string, doc *model.WireEntity, fields map[string]any, cause error) {
	if s.outbox == nil {
		s.logger.Warn("write persisted to cache only; no outbox configured", "kind", s.kind.Name, "op", string(op), "id", entityID)
		return
	}
	if IsFatal(cause) {
		s.logger.Error("write persisted to cache only and cannot be replayed", "kind", s.kind.Name, "op", string(op), "id", entityID, "error", cause)
		return
	}
	m := Mutation{
		ID:        s.mutationIDs.New(),
		Namespace: s.kind.Namespace,
		Op:        op,
		EntityID:  entityID,
		Document:  doc,
		Fields:    fields,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.outbox.Append(ctx, m); err != nil {
		s.logger.Warn("recording pending mutation failed", "kind", s.kind.Name, "op", string(op), "id", entityID, "error", err)
		return
	}
	s.logger.Info("write queued for remote replay", "kind", s.kind.Name, "op", string(op), "id", entityID, "mutation", m.ID)
}

// FlushOutbox replays pending mutations in order. A mutation that fails
// permanently is dropped; a transient failure stops the flush so later
// mutations never overtake earlier ones.
func (s *Synchronizer) FlushOutbox(ctx context.Context) (FlushReport, error) {
	var report FlushReport
	if s.outbox == nil {
		return report, nil
	}

	pending, err := s.outbox.Pending(ctx, s.kind.Namespace)
	if err != nil {
		return report, fmt.Errorf("reading outbox for %s: %w", s.kind.Name, err)
	}

	for i, m := range pending {
		err := s.retrier.Run(ctx, s.label("replay "+string(m.Op), m.EntityID), 0, func(ctx context.Context) error {
			return s.replay(ctx, m)
		})
		switch {
		case err == nil:
			report.Replayed++
		case !IsRetryable(err):
			s.logger.Error("dropping pending mutation", "kind", s.kind.Name, "mutation", m.ID, "op", string(m.Op), "id", m.EntityID, "error", err)
			report.Dropped++
		default:
			if merr := s.outbox.MarkFailed(ctx, s.kind.Namespace, m.ID, err); merr != nil {
				s.logger.Warn("recording replay failure failed", "mutation", m.ID, "error", merr)
			}
			report.Remaining = len(pending) - i
			return report, fmt.Errorf("replaying %s mutation %s: %w", m.Op, m.ID, err)
		}
		if err := s.outbox.Ack(ctx, s.kind.Namespace, m.ID); err != nil {
			report.Remaining = len(pending) - i - 1
			return report, fmt.Errorf("acknowledging mutation %s: %w", m.ID, err)
		}
	}

	if report.Replayed > 0 {
		s.logger.Info("outbox flushed", "kind", s.kind.Name, "replayed", report.Replayed, "dropped", report.Dropped)
	}
	return report, nil
}

func (s *Synchronizer) replay(ctx context.Context, m Mutation) error {
	switch m.Op {
	case OpSave:
		if m.Document == nil {
			return fmt.Errorf("%w: save mutation %s has no document", ErrValidation, m.ID)
		}
		return s.remote.Set(ctx, s.kind.Collection, *m.Document)
	case OpUpdate:
		return s.remote.Update(ctx, s.kind.Collection, m.EntityID, m.Fields)
	case OpDelete:
		return s.remote.Delete(ctx, s.kind.Collection, m.EntityID)
	default:
		return errors.Join(ErrValidation, fmt.Errorf("unknown mutation op %q", m.Op))
	}
}
