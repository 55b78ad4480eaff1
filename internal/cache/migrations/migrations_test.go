package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='cache_entries'").Scan(&name)
	if err != nil {
		t.Fatalf("cache_entries table was not created: %v", err)
	}

	if _, err := db.Exec("INSERT INTO cache_entries (key, value, updated_at, size) VALUES ('k', x'01', '2024-01-01', 1)"); err != nil {
		t.Errorf("insert with size column failed: %v", err)
	}
}

func TestCheckStatus(t *testing.T) {
	t.Run("fresh database needs migration", func(t *testing.T) {
		db := openTestDB(t)

		err := CheckStatus(db)
		if err == nil {
			t.Fatal("CheckStatus() expected error for fresh database")
		}
		if err.Error() != "cache has no schema version (needs migration)" {
			t.Errorf("CheckStatus() error = %q", err.Error())
		}
	})

	t.Run("migrated database is current", func(t *testing.T) {
		db := openTestDB(t)
		if err := MigrateUp(db); err != nil {
			t.Fatalf("MigrateUp() error = %v", err)
		}
		if err := CheckStatus(db); err != nil {
			t.Errorf("CheckStatus() error = %v", err)
		}
	})
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("first MigrateUp() error = %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Errorf("second MigrateUp() error = %v", err)
	}
}

func TestLatestVersion(t *testing.T) {
	got, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if got != 2 {
		t.Errorf("LatestVersion() = %d, want 2", got)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// A single connection keeps every query on the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
