package db

import (
	"path/filepath"
	"testing"
)

func TestOpenCreatesDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")

	conn, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Ping(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	var mode string
	if err := conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("unexpected journal mode: %s", mode)
	}
}

func TestOpenReusesExistingFile(t *testing.T) {
	dataDir := t.TempDir()

	first, err := Open(dataDir)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if _, err := first.Exec(`CREATE TABLE probe (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(dataDir)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer second.Close()

	var name string
	err = second.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='probe'`).Scan(&name)
	if err != nil {
		t.Fatalf("probe table lookup: %v", err)
	}
	if name != "probe" {
		t.Fatalf("unexpected table name: %s", name)
	}
}
