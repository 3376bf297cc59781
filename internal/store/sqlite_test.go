package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tasklab/syncd/internal/model"
)

func setupStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return openStoreAt(t, filepath.Join(t.TempDir(), "syncd-test.db"))
}

func openStoreAt(t *testing.T, dbPath string) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := MigrateUp(db); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	st, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func parseRFC3339(t *testing.T, value string) time.Time {
	t.Helper()
	out, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return out
}

func TestTaskPutGetDelete(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := parseRFC3339(t, "2026-03-01T12:00:00Z")
	schedule := parseRFC3339(t, "2026-03-02T09:00:00Z")

	task := model.Task{
		ID:               "68b1c2d3",
		Title:            "Buy milk",
		Priority:         model.PriorityMedium,
		PrioritySchedule: &schedule,
		List:             "home",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := st.PutTask(ctx, task); err != nil {
		t.Fatalf("put task: %v", err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if diff := cmp.Diff(task, got); diff != "" {
		t.Fatalf("task mismatch (-want +got):\n%s", diff)
	}

	// Put is an upsert.
	task.Title = "Buy oat milk"
	task.SetCompleted(true, now.Add(time.Hour))
	if err := st.PutTask(ctx, task); err != nil {
		t.Fatalf("upsert task: %v", err)
	}
	got, err = st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.Title != "Buy oat milk" || !got.Completed || got.CompletedAt == nil {
		t.Fatalf("upsert not applied: %#v", got)
	}

	if err := st.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if _, err := st.GetTask(ctx, task.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.DeleteTask(ctx, task.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestReplaceTasksSwapsMirror(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := parseRFC3339(t, "2026-03-01T12:00:00Z")

	old := model.Task{ID: "old", Title: "Old", Priority: model.PriorityLow, CreatedAt: now, UpdatedAt: now}
	if err := st.PutTask(ctx, old); err != nil {
		t.Fatalf("put task: %v", err)
	}

	fresh := []model.Task{
		{ID: "a", Title: "A", Priority: model.PriorityLow, CreatedAt: now, UpdatedAt: now},
		{ID: "b", Title: "B", Priority: model.PriorityHigh, CreatedAt: now, UpdatedAt: now},
	}
	if err := st.ReplaceTasks(ctx, fresh); err != nil {
		t.Fatalf("replace tasks: %v", err)
	}

	all, err := st.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks after replace, got %d", len(all))
	}
	if _, err := st.GetTask(ctx, "old"); err != ErrNotFound {
		t.Fatalf("old task survived replace: %v", err)
	}
}

func TestListPutDeleteAndOrdering(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := parseRFC3339(t, "2026-03-01T12:00:00Z")

	for _, name := range []string{"work", "home", "errands"} {
		if err := st.PutList(ctx, model.List{Name: name, CreatedAt: now}); err != nil {
			t.Fatalf("put list %s: %v", name, err)
		}
	}
	// Re-adding an existing list is a no-op, not an error.
	if err := st.PutList(ctx, model.List{Name: "home", CreatedAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("re-put list: %v", err)
	}

	lists, err := st.ListLists(ctx)
	if err != nil {
		t.Fatalf("list lists: %v", err)
	}
	if len(lists) != 3 || lists[0].Name != "errands" || lists[2].Name != "work" {
		t.Fatalf("unexpected lists: %#v", lists)
	}
	if !lists[1].CreatedAt.Equal(now) {
		t.Fatalf("re-put overwrote existing list: %#v", lists[1])
	}

	if err := st.DeleteList(ctx, "errands"); err != nil {
		t.Fatalf("delete list: %v", err)
	}
	if err := st.DeleteList(ctx, "errands"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := parseRFC3339(t, "2026-03-01T12:00:00Z")

	keys := make([]int64, 0, 3)
	for i, id := range []string{"t1", "t2", "t3"} {
		key, err := st.Enqueue(ctx, QueuedRequest{
			Kind:       KindTaskUpdate,
			Method:     "PUT",
			Path:       "/api/tasks/" + id,
			Body:       []byte(`{"completed":true}`),
			EntityID:   id,
			EnqueuedAt: now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		keys = append(keys, key)
	}

	queued, err := st.PeekAllQueued(ctx)
	if err != nil {
		t.Fatalf("peek queue: %v", err)
	}
	if len(queued) != 3 {
		t.Fatalf("expected 3 queued, got %d", len(queued))
	}
	for i, q := range queued {
		if q.Key != keys[i] {
			t.Fatalf("queue out of order: %#v", queued)
		}
	}

	// Dequeue the middle entry; order of the rest is unchanged.
	if err := st.Dequeue(ctx, keys[1]); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	queued, err = st.PeekAllQueued(ctx)
	if err != nil {
		t.Fatalf("peek queue: %v", err)
	}
	if len(queued) != 2 || queued[0].EntityID != "t1" || queued[1].EntityID != "t3" {
		t.Fatalf("unexpected queue after dequeue: %#v", queued)
	}

	n, err := st.QueueLength(ctx)
	if err != nil {
		t.Fatalf("queue length: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected length 2, got %d", n)
	}
}

func TestQueueOrderSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "syncd-reopen.db")
	ctx := context.Background()
	now := parseRFC3339(t, "2026-03-01T12:00:00Z")

	st := openStoreAt(t, dbPath)
	for _, id := range []string{"first", "second"} {
		if _, err := st.Enqueue(ctx, QueuedRequest{
			Kind: KindTaskCreate, Method: "POST", Path: "/api/tasks",
			EntityID: id, EnqueuedAt: now,
		}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened := openStoreAt(t, dbPath)
	queued, err := reopened.PeekAllQueued(ctx)
	if err != nil {
		t.Fatalf("peek after reopen: %v", err)
	}
	if len(queued) != 2 || queued[0].EntityID != "first" || queued[1].EntityID != "second" {
		t.Fatalf("queue order lost across reopen: %#v", queued)
	}
}

func TestQueuedForEntity(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := parseRFC3339(t, "2026-03-01T12:00:00Z")

	for _, entry := range []struct {
		kind RequestKind
		id   string
	}{
		{KindTaskCreate, "temp-1"},
		{KindTaskUpdate, "temp-1"},
		{KindTaskDelete, "other"},
	} {
		if _, err := st.Enqueue(ctx, QueuedRequest{
			Kind: entry.kind, Method: "POST", Path: "/api/tasks",
			EntityID: entry.id, EnqueuedAt: now,
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	queued, err := st.QueuedForEntity(ctx, "temp-1")
	if err != nil {
		t.Fatalf("queued for entity: %v", err)
	}
	if len(queued) != 2 || queued[0].Kind != KindTaskCreate || queued[1].Kind != KindTaskUpdate {
		t.Fatalf("unexpected entity queue: %#v", queued)
	}
}

func TestGetQueuedByKey(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := parseRFC3339(t, "2026-03-01T12:00:00Z")

	key, err := st.Enqueue(ctx, QueuedRequest{
		Kind: KindTaskUpdate, Method: "PUT", Path: "/api/tasks/t1",
		Body: []byte(`{"completed":true}`), EntityID: "t1", EnqueuedAt: now,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := st.GetQueued(ctx, key)
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	if got.Key != key || got.EntityID != "t1" || got.Kind != KindTaskUpdate {
		t.Fatalf("unexpected entry: %#v", got)
	}

	if _, err := st.GetQueued(ctx, key+100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStorageErrorWrapsCause(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	// Force a storage failure by closing the underlying database.
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := st.PutTask(ctx, model.Task{
		ID: "x", Title: "X", Priority: model.PriorityLow,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if storageErr.Op != "put task" {
		t.Fatalf("unexpected op: %q", storageErr.Op)
	}
}
