package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/tasklab/syncd/internal/model"
)

func TestMigrateUpIsIdempotentAndVersioned(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "migrate.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("first migrate up: %v", err)
	}
	version, err := SchemaVersion(db)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 3 {
		t.Fatalf("expected schema version 3, got %d", version)
	}

	// A second run must be a no-op.
	if err := MigrateUp(db); err != nil {
		t.Fatalf("second migrate up: %v", err)
	}
}

func TestMigrateUpPreservesQueueAcrossUpgrade(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "upgrade.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	st, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := st.Enqueue(ctx, QueuedRequest{
		Kind: KindTaskCreate, Method: "POST", Path: "/api/tasks",
		EntityID: "temp-1", EnqueuedAt: now,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Re-running migrations against a populated database must not touch
	// existing collections.
	if err := MigrateUp(db); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	queued, err := st.PeekAllQueued(ctx)
	if err != nil {
		t.Fatalf("peek queue: %v", err)
	}
	if len(queued) != 1 || queued[0].EntityID != "temp-1" {
		t.Fatalf("queue damaged by migration: %#v", queued)
	}
}

func TestMigrateRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "roundtrip.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if err := MigrateDown(db); err != nil {
		t.Fatalf("migrate down: %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Fatalf("second migrate up: %v", err)
	}

	st, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := st.PutTask(context.Background(), model.Task{
		ID: "rt-1", Title: "Roundtrip", Priority: model.PriorityLow,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert after roundtrip: %v", err)
	}
}
