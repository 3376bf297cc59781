package store

import (
	"context"
	"errors"
	"time"

	"github.com/tasklab/syncd/internal/model"
)

var ErrNotFound = errors.New("store: not found")

// StorageError wraps a failure of the durable store itself (I/O error,
// corruption, full disk). Callers treat it as fatal to the requested
// operation: nothing may be queued on top of a failed local write.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "store: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// RequestKind dispatches a queued request on replay.
type RequestKind string

const (
	KindTaskCreate RequestKind = "task_create"
	KindTaskUpdate RequestKind = "task_update"
	KindTaskDelete RequestKind = "task_delete"
	KindTaskSnooze RequestKind = "task_snooze"
	KindListCreate RequestKind = "list_create"
	KindListDelete RequestKind = "list_delete"
)

// QueuedRequest is one durably recorded failed mutation, retained until a
// terminal outcome on replay. Key is the insertion-order FIFO position.
type QueuedRequest struct {
	Key        int64
	Kind       RequestKind
	Method     string
	Path       string
	Body       []byte
	EntityID   string
	EnqueuedAt time.Time
}

// Store is durable CRUD over tasks, lists, and the request queue. All
// writes are persisted before the call returns; no business logic lives
// here.
type Store interface {
	PutTask(ctx context.Context, task model.Task) error
	GetTask(ctx context.Context, id string) (model.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]model.Task, error)
	ReplaceTasks(ctx context.Context, tasks []model.Task) error

	PutList(ctx context.Context, list model.List) error
	DeleteList(ctx context.Context, name string) error
	ListLists(ctx context.Context) ([]model.List, error)
	ReplaceLists(ctx context.Context, lists []model.List) error

	Enqueue(ctx context.Context, req QueuedRequest) (int64, error)
	Dequeue(ctx context.Context, key int64) error
	UpdateQueued(ctx context.Context, key int64, entityID, path string, body []byte) error
	GetQueued(ctx context.Context, key int64) (QueuedRequest, error)
	PeekAllQueued(ctx context.Context) ([]QueuedRequest, error)
	QueuedForEntity(ctx context.Context, entityID string) ([]QueuedRequest, error)
	QueueLength(ctx context.Context) (int, error)
}
