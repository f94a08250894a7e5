package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// openTestDB opens an in-memory SQLite database for testing.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	tables := []string{"pending_actions", "cached_entities", "sync_meta", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s was not created: %v", table, err)
		}
	}
}

func TestUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("first Up() failed: %v", err)
	}
	if err := Up(db); err != nil {
		t.Errorf("second Up() failed: %v (should be idempotent)", err)
	}
	if err := Check(db); err != nil {
		t.Errorf("Check() after double migration returned error: %v", err)
	}
}

func TestCheck_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	err := Check(db)
	if err == nil {
		t.Fatal("Check() expected error for fresh database, got nil")
	}
	if err.Error() != "database has no schema version (needs migration)" {
		t.Errorf("Check() error = %q, want error about needing migration", err.Error())
	}
}

func TestCheck_AfterMigration(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := Check(db); err != nil {
		t.Errorf("Check() after migration returned error: %v", err)
	}
}

func TestSchema_PendingActionsDefaults(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO pending_actions (id, entity_type, operation, entity_id, payload, user_id, created_at)
		VALUES ('a-1', 'grade', 'create', 'g-1', x'7b7d', 'user-1', datetime('now'))
	`)
	if err != nil {
		t.Fatalf("failed to insert pending action: %v", err)
	}

	var synced, attempts int
	var status, lastError string
	err = db.QueryRow(`SELECT synced, attempt_count, status, last_error FROM pending_actions WHERE id = 'a-1'`).
		Scan(&synced, &attempts, &status, &lastError)
	if err != nil {
		t.Fatalf("failed to read pending action: %v", err)
	}
	if synced != 0 || attempts != 0 || status != "pending" || lastError != "" {
		t.Errorf("defaults = synced:%d attempts:%d status:%q lastError:%q, want fresh pending row", synced, attempts, status, lastError)
	}
}

func TestSchema_ActionIDUnique(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	insert := `
		INSERT INTO pending_actions (id, entity_type, operation, entity_id, payload, user_id, created_at)
		VALUES ('a-1', 'grade', 'create', 'g-1', x'7b7d', 'user-1', datetime('now'))
	`
	if _, err := db.Exec(insert); err != nil {
		t.Fatalf("failed to insert first action: %v", err)
	}
	if _, err := db.Exec(insert); err == nil {
		t.Error("expected unique constraint violation for duplicate action id, but insert succeeded")
	}
}

func TestSchema_CachedEntityKeyUnique(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	insert := `
		INSERT INTO cached_entities (entity_type, entity_id, payload, fetched_at, ttl_expires_at)
		VALUES ('student', 's-1', x'7b7d', datetime('now'), datetime('now', '+1 hour'))
	`
	if _, err := db.Exec(insert); err != nil {
		t.Fatalf("failed to insert first entity: %v", err)
	}
	if _, err := db.Exec(insert); err == nil {
		t.Error("expected primary key violation for duplicate entity key, but insert succeeded")
	}
}
