// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestNewMigrator verifies Migrator initialization.
func TestNewMigrator(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{}

	m := NewMigrator(db, fsys)
	if m == nil {
		t.Fatal("NewMigrator() returned nil")
	}
	if m.db != db {
		t.Error("Migrator.db not set correctly")
	}
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName)
	if err != nil {
		t.Errorf("schema_migrations table not found: %v", err)
	}

	// Initialize is idempotent
	if err := m.Initialize(); err != nil {
		t.Errorf("second Initialize() failed: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}

	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "initial", strings.Repeat("a", 64))
	if err != nil {
		t.Fatalf("Failed to insert migration: %v", err)
	}

	version, err = m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}
}

// TestUp_appliesInOrder verifies files are applied by version, not by name.
func TestUp_appliesInOrder(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"V10__add_index.up.sql": {Data: []byte(`CREATE INDEX idx_items_name ON items(name);`)},
		"V2__add_column.up.sql": {Data: []byte(`ALTER TABLE items ADD COLUMN name TEXT;`)},
		"V1__items.up.sql":      {Data: []byte(`CREATE TABLE items (id INTEGER PRIMARY KEY);`)},
		"README.md":             {Data: []byte(`not a migration`)},
	}
	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 3 {
		t.Fatalf("applied %d migrations, want 3", len(applied))
	}
	if applied[2].Version != 10 || applied[2].Description != "add_index" {
		t.Errorf("last migration = %+v", applied[2])
	}

	// Running Up again should skip already applied migrations
	if err := m.Up(); err != nil {
		t.Errorf("Up() second time failed: %v", err)
	}
}

// TestUp_checksumMismatch verifies an edited applied migration is rejected.
func TestUp_checksumMismatch(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"V1__items.up.sql": {Data: []byte(`CREATE TABLE items (id INTEGER PRIMARY KEY);`)},
	}
	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["V1__items.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE items (id TEXT PRIMARY KEY);`)}
	err := m.Up()
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("Up() error = %v, want checksum mismatch", err)
	}
}

// TestUp_failedMigrationRollsBack verifies a broken file leaves no record.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte(`CREATE TABLE ok (id INTEGER); CREATE TABLEX nope;`)},
	}
	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err == nil {
		t.Fatal("Up() should fail on invalid SQL")
	}
	version, _ := m.CurrentVersion()
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestDown_noMigrations verifies error when no migrations to rollback.
func TestDown_noMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	err := m.Down()
	if err == nil {
		t.Fatal("Down() with no migrations should return error")
	}
	if !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Error message should mention 'no migrations to rollback', got: %v", err)
	}
}

// TestEmbeddedMigrations verifies the shipped schema applies cleanly and
// can be rolled back one step.
func TestEmbeddedMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, Migrations())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	for _, table := range []string{"products", "customers", "bills", "sync_queue", "metadata", "caches", "cache_entries"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	for _, index := range []string{"idx_products_barcode", "idx_customers_phone", "idx_bills_synced", "idx_sync_queue_status", "idx_sync_queue_ref"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&name)
		if err != nil {
			t.Errorf("index %s missing: %v", index, err)
		}
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 3 {
		t.Errorf("CurrentVersion() = %d, want 3", version)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	version, _ = m.CurrentVersion()
	if version != 2 {
		t.Errorf("CurrentVersion() after Down = %d, want 2", version)
	}
	if _, err := db.Exec("SELECT updated_at FROM sync_queue"); err == nil {
		t.Error("sync_queue.updated_at should be dropped by V3 rollback")
	}

	// Re-applying restores the schema
	if err := m.Up(); err != nil {
		t.Fatalf("Up() after Down failed: %v", err)
	}
}
