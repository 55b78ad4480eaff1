package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"propsync/internal/model"
	"propsync/internal/propsync"
)

const notifyChannel = "propsync_documents"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS propsync_documents (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    body       JSONB NOT NULL,
    created_at TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (collection, id)
);

CREATE OR REPLACE FUNCTION propsync_documents_notify() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'DELETE' THEN
        PERFORM pg_notify('propsync_documents', OLD.collection);
        RETURN OLD;
    END IF;
    PERFORM pg_notify('propsync_documents', NEW.collection);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS propsync_documents_changed ON propsync_documents;
CREATE TRIGGER propsync_documents_changed
    AFTER INSERT OR UPDATE OR DELETE ON propsync_documents
    FOR EACH ROW EXECUTE FUNCTION propsync_documents_notify();
`

// PostgresStore keeps documents in a single JSONB table. Change feeds use
// LISTEN/NOTIFY driven by a row trigger, so listeners are pushed changes
// from every writer sharing the database.
type PostgresStore struct {
	pool    *pgxpool.Pool
	offline atomic.Bool

	mu     sync.Mutex
	feeds  map[int]context.CancelCauseFunc
	nextID int
}

var _ propsync.RemoteStore = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, mapPgError(fmt.Errorf("failed to ping database: %w", err))
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, mapPgError(fmt.Errorf("failed to ensure schema: %w", err))
	}
	return &PostgresStore{pool: pool, feeds: make(map[int]context.CancelCauseFunc)}, nil
}

func (s *PostgresStore) checkOnline() error {
	if s.offline.Load() {
		return fmt.Errorf("postgres store offline: %w", propsync.ErrUnavailable)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, collection string) ([]model.WireEntity, error) {
	if err := s.checkOnline(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM propsync_documents WHERE collection = $1 ORDER BY created_at DESC, id`,
		collection)
	if err != nil {
		return nil, mapPgError(fmt.Errorf("listing %s: %w", collection, err))
	}
	defer rows.Close()

	var docs []model.WireEntity
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, mapPgError(fmt.Errorf("scanning %s: %w", collection, err))
		}
		doc, err := propsync.DecodeDocument(body)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(fmt.Errorf("listing %s: %w", collection, err))
	}
	model.SortWireNewestFirst(docs)
	return docs, nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (model.WireEntity, bool, error) {
	if err := s.checkOnline(); err != nil {
		return model.WireEntity{}, false, err
	}
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM propsync_documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WireEntity{}, false, nil
		}
		return model.WireEntity{}, false, mapPgError(fmt.Errorf("getting %s/%s: %w", collection, id, err))
	}
	doc, err := propsync.DecodeDocument(body)
	if err != nil {
		return model.WireEntity{}, false, err
	}
	return doc, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, collection string, doc model.WireEntity) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	if doc.ID == "" {
		return fmt.Errorf("%w: document without id", propsync.ErrValidation)
	}
	body, err := propsync.EncodeDocument(doc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO propsync_documents (collection, id, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (collection, id)
		DO UPDATE SET body = EXCLUDED.body, created_at = EXCLUDED.created_at, updated_at = now()`,
		collection, doc.ID, body, doc.CreatedAt)
	if err != nil {
		return mapPgError(fmt.Errorf("saving %s/%s: %w", collection, doc.ID, err))
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := s.checkOnline(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPgError(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	var body []byte
	err = tx.QueryRow(ctx,
		`SELECT body FROM propsync_documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
		collection, id).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("updating %s/%s: %w", collection, id, propsync.ErrNotFound)
		}
		return mapPgError(fmt.Errorf("locking %s/%s: %w", collection, id, err))
	}

	doc, err := propsync.DecodeDocument(body)
	if err != nil {
		return err
	}
	doc, err = model.ApplyUpdates(doc, fields)
	if err != nil {
		return err
	}
	body, err = propsync.EncodeDocument(doc)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE propsync_documents SET body = $3, updated_at = now() WHERE collection = $1 AND id = $2`,
		collection, id, body); err != nil {
		return mapPgError(fmt.Errorf("updating %s/%s: %w", collection, id, err))
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("committing update of %s/%s: %w", collection, id, err))
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM propsync_documents WHERE collection = $1 AND id = $2`,
		collection, id); err != nil {
		return mapPgError(fmt.Errorf("deleting %s/%s: %w", collection, id, err))
	}
	return nil
}

// Listen holds a dedicated connection in LISTEN mode for the lifetime of
// the feed and re-reads the collection on every notification for it.
func (s *PostgresStore) Listen(ctx context.Context, collection string, onSnapshot propsync.SnapshotFunc, onError func(error)) (func(), error) {
	if err := s.checkOnline(); err != nil {
		return nil, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, mapPgError(fmt.Errorf("acquiring listen connection: %w", err))
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, mapPgError(fmt.Errorf("listening on %s: %w", notifyChannel, err))
	}

	docs, err := s.List(ctx, collection)
	if err != nil {
		conn.Release()
		return nil, err
	}
	onSnapshot(docs)

	ctx, cancel := context.WithCancelCause(ctx)
	s.mu.Lock()
	s.nextID++
	feedID := s.nextID
	s.feeds[feedID] = cancel
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			// The connection still has LISTEN state; drop it from the pool.
			conn.Conn().Close(context.Background())
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
					onError(cause)
				} else if ctx.Err() == nil {
					onError(mapPgError(fmt.Errorf("waiting for notification: %w", err)))
				}
				return
			}
			if n.Payload != collection {
				continue
			}
			docs, err := s.List(ctx, collection)
			if err != nil {
				if ctx.Err() == nil {
					onError(err)
				}
				return
			}
			onSnapshot(docs)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel(context.Canceled)
			<-done
			s.mu.Lock()
			delete(s.feeds, feedID)
			s.mu.Unlock()
		})
	}, nil
}

// EnableNetwork pings the database and clears the offline flag.
func (s *PostgresStore) EnableNetwork(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return mapPgError(fmt.Errorf("pinging database: %w", err))
	}
	s.offline.Store(false)
	return nil
}

// DisableNetwork marks the store offline and breaks every open feed.
func (s *PostgresStore) DisableNetwork(ctx context.Context) error {
	s.offline.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.feeds {
		cancel(fmt.Errorf("network disabled: %w", propsync.ErrUnavailable))
		delete(s.feeds, id)
	}
	return nil
}

// RefreshCredentials closes idle connections so new ones re-authenticate.
func (s *PostgresStore) RefreshCredentials(ctx context.Context) error {
	s.pool.Reset()
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// mapPgError tags server errors by SQLSTATE class.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "42501" || strings.HasPrefix(pgErr.Code, "28"):
		return fmt.Errorf("%w: %w", propsync.ErrPermissionDenied, err)
	case pgErr.Code == "54000":
		return fmt.Errorf("%w: %w", propsync.ErrDocumentTooLarge, err)
	case pgErr.Code == "XX000":
		return fmt.Errorf("%w: %w", propsync.ErrInternalAssertion, err)
	case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
		return fmt.Errorf("%w: %w", propsync.ErrUnavailable, err)
	}
	return err
}
