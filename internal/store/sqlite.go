package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tasklab/syncd/internal/model"
)

const sqliteTimeLayout = time.RFC3339Nano

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("store: nil db")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// One connection serializes all store operations; together with
	// sqlite's default synchronous journal this gives the durable,
	// single-writer discipline the sync engine relies on.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	st, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate brings the schema up to the current version.
func (s *SQLiteStore) Migrate() error {
	return MigrateUp(s.db)
}

const taskColumns = `id, title, completed, completed_at, priority, priority_schedule,
	notification_date, notification_sent, list, snoozed, snooze_until, created_at, updated_at`

func (s *SQLiteStore) PutTask(ctx context.Context, task model.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			completed = excluded.completed,
			completed_at = excluded.completed_at,
			priority = excluded.priority,
			priority_schedule = excluded.priority_schedule,
			notification_date = excluded.notification_date,
			notification_sent = excluded.notification_sent,
			list = excluded.list,
			snoozed = excluded.snoozed,
			snooze_until = excluded.snooze_until,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		taskArgs(task)...,
	)
	return wrap("put task", err)
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, ErrNotFound
		}
		return model.Task{}, wrap("get task", err)
	}
	return task, nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return wrap("delete task", err)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrap("list tasks", err)
	}
	defer rows.Close()

	out := make([]model.Task, 0)
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, wrap("list tasks", scanErr)
		}
		out = append(out, task)
	}
	return out, wrap("list tasks", rows.Err())
}

// ReplaceTasks swaps the full task mirror in one transaction. The caller
// decides what survives; the store just persists the final set.
func (s *SQLiteStore) ReplaceTasks(ctx context.Context, tasks []model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("replace tasks", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return wrap("replace tasks", err)
	}
	for _, task := range tasks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			taskArgs(task)...,
		); err != nil {
			return wrap("replace tasks", err)
		}
	}
	return wrap("replace tasks", tx.Commit())
}

func (s *SQLiteStore) PutList(ctx context.Context, list model.List) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lists (name, created_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING`,
		list.Name, mustTime(list.CreatedAt),
	)
	return wrap("put list", err)
}

func (s *SQLiteStore) DeleteList(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lists WHERE name = ?`, name)
	if err != nil {
		return wrap("delete list", err)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListLists(ctx context.Context) ([]model.List, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, created_at FROM lists ORDER BY name ASC`)
	if err != nil {
		return nil, wrap("list lists", err)
	}
	defer rows.Close()

	out := make([]model.List, 0)
	for rows.Next() {
		item, scanErr := scanList(rows)
		if scanErr != nil {
			return nil, wrap("list lists", scanErr)
		}
		out = append(out, item)
	}
	return out, wrap("list lists", rows.Err())
}

func (s *SQLiteStore) ReplaceLists(ctx context.Context, lists []model.List) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("replace lists", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM lists`); err != nil {
		return wrap("replace lists", err)
	}
	for _, list := range lists {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lists (name, created_at) VALUES (?, ?)`,
			list.Name, mustTime(list.CreatedAt),
		); err != nil {
			return wrap("replace lists", err)
		}
	}
	return wrap("replace lists", tx.Commit())
}

func (s *SQLiteStore) Enqueue(ctx context.Context, req QueuedRequest) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO request_queue (kind, method, path, body, entity_id, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(req.Kind), req.Method, req.Path, req.Body, req.EntityID, mustTime(req.EnqueuedAt),
	)
	if err != nil {
		return 0, wrap("enqueue", err)
	}
	key, err := res.LastInsertId()
	if err != nil {
		return 0, wrap("enqueue", err)
	}
	return key, nil
}

// UpdateQueued rewrites a queued entry in place after an earlier entry's
// success resolved the id it references. The queue key, and with it the
// FIFO position, never changes.
func (s *SQLiteStore) UpdateQueued(ctx context.Context, key int64, entityID, path string, body []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE request_queue SET entity_id = ?, path = ?, body = ? WHERE queue_key = ?`,
		entityID, path, body, key,
	)
	if err != nil {
		return wrap("update queued", err)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) Dequeue(ctx context.Context, key int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_queue WHERE queue_key = ?`, key)
	if err != nil {
		return wrap("dequeue", err)
	}
	return checkRowsAffected(res)
}

const queueColumns = `queue_key, kind, method, path, body, entity_id, enqueued_at`

// PeekAllQueued returns the queue oldest-first. The AUTOINCREMENT key is
// the insertion order, so FIFO survives process restarts.
func (s *SQLiteStore) PeekAllQueued(ctx context.Context) ([]QueuedRequest, error) {
	return s.queuedWhere(ctx, "", nil)
}

func (s *SQLiteStore) QueuedForEntity(ctx context.Context, entityID string) ([]QueuedRequest, error) {
	return s.queuedWhere(ctx, ` WHERE entity_id = ?`, []any{entityID})
}

func (s *SQLiteStore) GetQueued(ctx context.Context, key int64) (QueuedRequest, error) {
	entries, err := s.queuedWhere(ctx, ` WHERE queue_key = ?`, []any{key})
	if err != nil {
		return QueuedRequest{}, err
	}
	if len(entries) == 0 {
		return QueuedRequest{}, ErrNotFound
	}
	return entries[0], nil
}

func (s *SQLiteStore) queuedWhere(ctx context.Context, where string, args []any) ([]QueuedRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM request_queue`+where+` ORDER BY queue_key ASC`, args...)
	if err != nil {
		return nil, wrap("peek queue", err)
	}
	defer rows.Close()

	out := make([]QueuedRequest, 0)
	for rows.Next() {
		item, scanErr := scanQueued(rows)
		if scanErr != nil {
			return nil, wrap("peek queue", scanErr)
		}
		out = append(out, item)
	}
	return out, wrap("peek queue", rows.Err())
}

func (s *SQLiteStore) QueueLength(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_queue`).Scan(&n); err != nil {
		return 0, wrap("queue length", err)
	}
	return n, nil
}

func taskArgs(task model.Task) []any {
	return []any{
		task.ID, task.Title, boolInt(task.Completed), nullTime(task.CompletedAt),
		int(task.Priority), nullTime(task.PrioritySchedule),
		nullTime(task.NotificationDate), boolInt(task.NotificationSent),
		task.List, boolInt(task.Snoozed), nullTime(task.SnoozeUntil),
		mustTime(task.CreatedAt), mustTime(task.UpdatedAt),
	}
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC().Format(sqliteTimeLayout)
}

func mustTime(v time.Time) string {
	return v.UTC().Format(sqliteTimeLayout)
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	tm, err := time.Parse(sqliteTimeLayout, v.String)
	if err != nil {
		return nil, err
	}
	return &tm, nil
}

func parseRequiredTime(v string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, v)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (model.Task, error) {
	var out model.Task
	var completed, notificationSent, snoozed int
	var priority int
	var completedAt, prioritySchedule, notificationDate, snoozeUntil sql.NullString
	var created, updated string
	if err := s.Scan(
		&out.ID, &out.Title, &completed, &completedAt, &priority, &prioritySchedule,
		&notificationDate, &notificationSent, &out.List, &snoozed, &snoozeUntil,
		&created, &updated,
	); err != nil {
		return model.Task{}, err
	}
	out.Completed = completed == 1
	out.NotificationSent = notificationSent == 1
	out.Snoozed = snoozed == 1
	out.Priority = model.Priority(priority)

	var err error
	if out.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return model.Task{}, err
	}
	if out.PrioritySchedule, err = parseNullableTime(prioritySchedule); err != nil {
		return model.Task{}, err
	}
	if out.NotificationDate, err = parseNullableTime(notificationDate); err != nil {
		return model.Task{}, err
	}
	if out.SnoozeUntil, err = parseNullableTime(snoozeUntil); err != nil {
		return model.Task{}, err
	}
	if out.CreatedAt, err = parseRequiredTime(created); err != nil {
		return model.Task{}, err
	}
	if out.UpdatedAt, err = parseRequiredTime(updated); err != nil {
		return model.Task{}, err
	}
	return out, nil
}

func scanList(s scanner) (model.List, error) {
	var out model.List
	var created string
	if err := s.Scan(&out.Name, &created); err != nil {
		return model.List{}, err
	}
	createdAt, err := parseRequiredTime(created)
	if err != nil {
		return model.List{}, err
	}
	out.CreatedAt = createdAt
	return out, nil
}

func scanQueued(s scanner) (QueuedRequest, error) {
	var out QueuedRequest
	var kind string
	var enqueued string
	if err := s.Scan(&out.Key, &kind, &out.Method, &out.Path, &out.Body, &out.EntityID, &enqueued); err != nil {
		return QueuedRequest{}, err
	}
	enqueuedAt, err := parseRequiredTime(enqueued)
	if err != nil {
		return QueuedRequest{}, err
	}
	out.Kind = RequestKind(kind)
	out.EnqueuedAt = enqueuedAt
	return out, nil
}

func checkRowsAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return wrap("rows affected", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
