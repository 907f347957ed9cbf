package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestOpen_FreshDB(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "relay.db"), testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	version, err := SchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}

	if _, err := db.Exec(`INSERT INTO allowed_senders (platform, user_id, note) VALUES ('telegram', '1', 'x')`); err != nil {
		t.Fatalf("allowed_senders not usable: %v", err)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	db, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("second migration run failed: %v", err)
	}
	db.Close()

	// Reopening an up-to-date database applies nothing.
	db, err = Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	version, err := SchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestOpen_EnablesWALAndBusyTimeout(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "relay.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("expected journal_mode wal, got %q", mode)
	}

	var timeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatal(err)
	}
	if timeout != 5000 {
		t.Errorf("expected busy_timeout 5000, got %d", timeout)
	}
}
