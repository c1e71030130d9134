package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"observations", "issued_keys", "confirmed", "photos", "assets"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestOpen_SetsUserVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("query user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

// Pragma tests

func TestPragma_JournalMode(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_Synchronous(t *testing.T) {
	s := createTestStore(t)
	// FULL = 2
	if err := s.verifyPragma("synchronous", "2"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestPragma_MaxPageCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithMaxPages(5000))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if err := s.verifyPragma("max_page_count", "5000"); err != nil {
		t.Error(err)
	}
}
