package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	reg, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer reg.Close()

	dbPath := filepath.Join(dir, "devices.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("registry database file was not created")
	}

	var journalMode string
	if err := reg.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	var count int
	if err := reg.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='devices'").Scan(&count); err != nil {
		t.Fatalf("checking devices table: %v", err)
	}
	if count != 1 {
		t.Fatal("devices table not found")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	reg1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	reg1.Close()

	reg2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	reg2.Close()
}
