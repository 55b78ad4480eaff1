package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"propsync/internal/cache/migrations"
	"propsync/internal/propsync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements propsync.KeyValueStore on a single SQLite table.
// Capacity is the total size of all stored values.
type SQLiteStore struct {
	db       *sql.DB
	capacity int64
}

var _ propsync.KeyValueStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the cache database at path, migrates it
// and returns the store. path can be ":memory:".
func NewSQLiteStore(path string, capacity int64) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating cache database: %w", err)
	}
	return &SQLiteStore{db: db, capacity: capacity}, nil
}

// OpenConnection opens and configures a SQLite connection for the cache.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	return db, nil
}

// CheckMigrations verifies the schema version.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM cache_entries WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache entry %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cache write: %w", err)
	}
	defer tx.Rollback()

	if s.capacity > 0 {
		var used int64
		err := tx.QueryRowContext(ctx, "SELECT COALESCE(SUM(size), 0) FROM cache_entries WHERE key != ?", key).Scan(&used)
		if err != nil {
			return fmt.Errorf("measuring cache usage: %w", err)
		}
		if used+int64(len(value)) > s.capacity {
			return fmt.Errorf("writing %d bytes to %s with %d of %d used: %w", len(value), key, used, s.capacity, propsync.ErrQuotaExceeded)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, updated_at, size)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at,
			size = excluded.size
	`, key, value, time.Now().UTC().Format(time.RFC3339), len(value))
	if err != nil {
		return fmt.Errorf("writing cache entry %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cache write: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("removing cache entry %s: %w", key, err)
	}
	return nil
}

// Usage returns the number of bytes stored.
func (s *SQLiteStore) Usage(ctx context.Context) (int64, error) {
	var used int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size), 0) FROM cache_entries").Scan(&used); err != nil {
		return 0, fmt.Errorf("measuring cache usage: %w", err)
	}
	return used, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
