// Package engine is the sync core: it applies mutations optimistically
// to the local store, queues anything that cannot reach the server, and
// replays the queue when a background trigger fires.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tasklab/syncd/internal/api"
	"github.com/tasklab/syncd/internal/model"
	"github.com/tasklab/syncd/internal/notify"
	"github.com/tasklab/syncd/internal/store"
)

// Remote is the slice of the API client the engine drives. One call,
// one HTTP request; the engine owns all retry policy.
type Remote interface {
	ListTasks(ctx context.Context) ([]model.Task, error)
	CreateTask(ctx context.Context, task model.Task) (model.Task, error)
	UpdateTask(ctx context.Context, id string, task model.Task) (model.Task, error)
	DeleteTask(ctx context.Context, id string) error
	SnoozeTask(ctx context.Context, id string, minutes int) (model.Task, error)
	ListLists(ctx context.Context) ([]string, error)
	CreateList(ctx context.Context, name string) error
	DeleteList(ctx context.Context, name string) error
}

// Status is the resolution of an applied mutation. Validation, storage,
// and authentication failures are returned as errors instead.
type Status string

const (
	// StatusConfirmed: applied locally and accepted by the server.
	StatusConfirmed Status = "confirmed"
	// StatusPending: applied locally, queued for a later replay.
	StatusPending Status = "pending"
	// StatusDropped: the server reported a terminal error; local state
	// was corrected and nothing stays queued.
	StatusDropped Status = "dropped"
)

type Outcome struct {
	Status Status
	Task   *model.Task
}

// Engine coordinates the local store, the remote API, and the event
// bus. It holds no persistent state of its own beyond the in-memory
// replay-in-progress flag.
type Engine struct {
	store  store.Store
	remote Remote
	bus    *notify.Bus
	logger *log.Logger
	now    func() time.Time

	// mu serializes mutations: no two read-modify-write cycles against
	// the store may interleave.
	mu        sync.Mutex
	replaying atomic.Bool
}

func New(st store.Store, remote Remote, bus *notify.Bus, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		store:  st,
		remote: remote,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// TaskDraft is the user's input for a new task.
type TaskDraft struct {
	Title            string
	Priority         model.Priority
	PrioritySchedule *time.Time
	NotificationDate *time.Time
	List             string
}

// TaskPatch is the full desired value of every user-editable field, not
// a diff: re-applying it is always equivalent to reaching the final
// intended state, which keeps queued replays last-write-wins safe.
type TaskPatch struct {
	Title            string
	Priority         model.Priority
	PrioritySchedule *time.Time
	NotificationDate *time.Time
	List             string
}

// AddTask applies a create: temp id, optimistic local write, then one
// server attempt. On a retryable failure the create is queued and the
// task stays visible under its temporary id.
func (e *Engine) AddTask(ctx context.Context, draft TaskDraft) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	task := model.Task{
		ID:               model.NewTempID(),
		Title:            draft.Title,
		Priority:         draft.Priority,
		PrioritySchedule: draft.PrioritySchedule,
		NotificationDate: draft.NotificationDate,
		List:             draft.List,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if task.Priority == 0 {
		task.Priority = model.PriorityLow
	}
	if task.List == "" {
		task.List = "home"
	}
	if err := task.Validate(); err != nil {
		return Outcome{}, err
	}

	// Optimistic apply. A storage failure aborts everything: a mutation
	// that cannot be persisted cannot be queued either.
	if err := e.store.PutTask(ctx, task); err != nil {
		return Outcome{}, err
	}

	created, err := e.remote.CreateTask(ctx, task)
	if err == nil {
		final, recErr := e.reconcileCreate(ctx, task.ID, created)
		if recErr != nil {
			return Outcome{}, recErr
		}
		return Outcome{Status: StatusConfirmed, Task: &final}, nil
	}
	body, marshalErr := json.Marshal(task)
	if marshalErr != nil {
		return Outcome{}, marshalErr
	}
	return e.handleTaskFailure(ctx, err, task, store.KindTaskCreate, "POST", "/api/tasks", body)
}

// UpdateTask replaces the editable fields of a task.
func (e *Engine) UpdateTask(ctx context.Context, id string, patch TaskPatch) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	task.Title = patch.Title
	task.Priority = patch.Priority
	task.PrioritySchedule = patch.PrioritySchedule
	task.NotificationDate = patch.NotificationDate
	task.List = patch.List
	task.UpdatedAt = e.now().UTC()
	if err := task.Validate(); err != nil {
		return Outcome{}, err
	}
	if err := e.store.PutTask(ctx, task); err != nil {
		return Outcome{}, err
	}
	return e.pushTaskUpdate(ctx, task)
}

// ToggleCompletion flips the completed flag, maintaining the
// completedTimestamp invariant as a side effect.
func (e *Engine) ToggleCompletion(ctx context.Context, id string, completed bool) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	task.SetCompleted(completed, e.now())
	if err := e.store.PutTask(ctx, task); err != nil {
		return Outcome{}, err
	}
	return e.pushTaskUpdate(ctx, task)
}

// SnoozeTask hides the task for the given number of minutes; minutes <= 0
// unsnoozes.
func (e *Engine) SnoozeTask(ctx context.Context, id string, minutes int) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	task.Snooze(minutes, e.now())
	if err := e.store.PutTask(ctx, task); err != nil {
		return Outcome{}, err
	}

	// A task still under its temp id cannot be snoozed server-side until
	// the queued create resolves; queue behind it.
	if model.IsTempID(task.ID) {
		return e.queueTask(ctx, task, store.KindTaskSnooze, "POST",
			"/api/tasks/"+url.PathEscape(task.ID)+"/snooze", snoozeBody(minutes))
	}

	updated, err := e.remote.SnoozeTask(ctx, task.ID, minutes)
	if err == nil {
		if putErr := e.store.PutTask(ctx, updated); putErr != nil {
			return Outcome{}, putErr
		}
		return Outcome{Status: StatusConfirmed, Task: &updated}, nil
	}
	return e.handleTaskFailure(ctx, err, task, store.KindTaskSnooze, "POST",
		"/api/tasks/"+url.PathEscape(task.ID)+"/snooze", snoozeBody(minutes))
}

// DeleteTask removes the task locally and remotely. Deleting a task whose
// create is still queued collapses both into a local no-op: the doomed
// create (and any queued updates behind it) are dequeued instead of being
// sent as a create-then-delete pair.
func (e *Engine) DeleteTask(ctx context.Context, id string) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if model.IsTempID(id) {
		queued, err := e.store.QueuedForEntity(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		for _, entry := range queued {
			if err := e.store.Dequeue(ctx, entry.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
				return Outcome{}, err
			}
		}
		if err := e.store.DeleteTask(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return Outcome{}, err
		}
		// The server never heard of this task; nothing to send.
		return Outcome{Status: StatusConfirmed}, nil
	}

	if err := e.store.DeleteTask(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, err
	}

	err := e.remote.DeleteTask(ctx, id)
	switch {
	case err == nil:
		return Outcome{Status: StatusConfirmed}, nil
	case api.IsNotFound(err):
		// Already gone on both sides.
		return Outcome{Status: StatusConfirmed}, nil
	case errors.Is(err, api.ErrNotAuthenticated):
		e.publish(notify.Event{Type: notify.EventAuthRequired})
		return Outcome{}, err
	case api.Retryable(err):
		return e.queueEntity(ctx, id, store.KindTaskDelete, "DELETE",
			"/api/tasks/"+url.PathEscape(id), nil)
	default:
		e.publish(notify.Event{Type: notify.EventDropped, EntityID: id, Message: err.Error()})
		return Outcome{Status: StatusDropped}, nil
	}
}

// AddList creates a named list. Creating a list that already exists is a
// no-op on both sides.
func (e *Engine) AddList(ctx context.Context, name string) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := model.List{Name: name, CreatedAt: e.now().UTC()}
	if err := list.Validate(); err != nil {
		return Outcome{}, err
	}
	if err := e.store.PutList(ctx, list); err != nil {
		return Outcome{}, err
	}

	err := e.remote.CreateList(ctx, name)
	switch {
	case err == nil:
		return Outcome{Status: StatusConfirmed}, nil
	case api.IsConflict(err):
		// The server already has it; same net state.
		return Outcome{Status: StatusConfirmed}, nil
	case errors.Is(err, api.ErrNotAuthenticated):
		e.publish(notify.Event{Type: notify.EventAuthRequired})
		return Outcome{}, err
	case api.Retryable(err):
		body, marshalErr := json.Marshal(map[string]string{"listName": name})
		if marshalErr != nil {
			return Outcome{}, marshalErr
		}
		return e.queueEntity(ctx, name, store.KindListCreate, "POST", "/api/lists", body)
	default:
		e.publish(notify.Event{Type: notify.EventDropped, EntityID: name, Message: err.Error()})
		return Outcome{Status: StatusDropped}, nil
	}
}

// DeleteList removes a user list. Default lists are protected.
func (e *Engine) DeleteList(ctx context.Context, name string) (Outcome, error) {
	if model.IsDefaultList(name) {
		return Outcome{}, model.ErrDefaultList
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.DeleteList(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, err
	}

	err := e.remote.DeleteList(ctx, name)
	switch {
	case err == nil, api.IsNotFound(err):
		return Outcome{Status: StatusConfirmed}, nil
	case errors.Is(err, api.ErrNotAuthenticated):
		e.publish(notify.Event{Type: notify.EventAuthRequired})
		return Outcome{}, err
	case api.Retryable(err):
		return e.queueEntity(ctx, name, store.KindListDelete, "DELETE",
			"/api/lists/"+url.PathEscape(name), nil)
	default:
		e.publish(notify.Event{Type: notify.EventDropped, EntityID: name, Message: err.Error()})
		return Outcome{Status: StatusDropped}, nil
	}
}

// Tasks reads the full local mirror. Presentation-time derivation is the
// caller's job; stored values are returned as-is.
func (e *Engine) Tasks(ctx context.Context) ([]model.Task, error) {
	return e.store.ListTasks(ctx)
}

func (e *Engine) Lists(ctx context.Context) ([]model.List, error) {
	return e.store.ListLists(ctx)
}

func (e *Engine) QueueLength(ctx context.Context) (int, error) {
	return e.store.QueueLength(ctx)
}

// MarkNotificationSent records that a task's local reminder fired, so it
// is not delivered twice. Local-only write; the server keeps its own
// notificationSent flag.
func (e *Engine) MarkNotificationSent(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.NotificationSent {
		return nil
	}
	task.NotificationSent = true
	return e.store.PutTask(ctx, task)
}

// pushTaskUpdate sends the task's full state as a PUT, or queues it when
// the task is still under a temporary id (its create has to resolve
// first, and FIFO replay guarantees it does).
func (e *Engine) pushTaskUpdate(ctx context.Context, task model.Task) (Outcome, error) {
	if model.IsTempID(task.ID) {
		return e.queueTaskUpdate(ctx, task)
	}

	updated, err := e.remote.UpdateTask(ctx, task.ID, task)
	if err == nil {
		// The server's canonical record may carry fields changed
		// server-side (notificationSent, bumped priority).
		if putErr := e.store.PutTask(ctx, updated); putErr != nil {
			return Outcome{}, putErr
		}
		return Outcome{Status: StatusConfirmed, Task: &updated}, nil
	}
	body, marshalErr := json.Marshal(task)
	if marshalErr != nil {
		return Outcome{}, marshalErr
	}
	return e.handleTaskFailure(ctx, err, task, store.KindTaskUpdate, "PUT",
		"/api/tasks/"+url.PathEscape(task.ID), body)
}

func (e *Engine) queueTaskUpdate(ctx context.Context, task model.Task) (Outcome, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return Outcome{}, err
	}
	return e.queueTask(ctx, task, store.KindTaskUpdate, "PUT",
		"/api/tasks/"+url.PathEscape(task.ID), body)
}

// handleTaskFailure classifies a failed remote call for a task mutation:
// queue it, drop it with local cleanup, or surface an auth failure.
func (e *Engine) handleTaskFailure(ctx context.Context, err error, task model.Task, kind store.RequestKind, method, path string, body []byte) (Outcome, error) {
	switch {
	case errors.Is(err, api.ErrNotAuthenticated):
		e.publish(notify.Event{Type: notify.EventAuthRequired})
		return Outcome{}, err
	case api.Retryable(err):
		return e.queueTask(ctx, task, kind, method, path, body)
	case api.IsNotFound(err):
		// The server says the task no longer exists; drop it locally too.
		if delErr := e.store.DeleteTask(ctx, task.ID); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
			return Outcome{}, delErr
		}
		e.publish(notify.Event{Type: notify.EventDropped, EntityID: task.ID, Message: err.Error()})
		return Outcome{Status: StatusDropped}, nil
	default:
		// Conflict: discard the mutation, keep the local record until the
		// next refresh re-mirrors server state.
		e.publish(notify.Event{Type: notify.EventDropped, EntityID: task.ID, Message: err.Error()})
		return Outcome{Status: StatusDropped, Task: &task}, nil
	}
}

func (e *Engine) queueTask(ctx context.Context, task model.Task, kind store.RequestKind, method, path string, body []byte) (Outcome, error) {
	outcome, err := e.queueEntity(ctx, task.ID, kind, method, path, body)
	if err != nil {
		return Outcome{}, err
	}
	outcome.Task = &task
	return outcome, nil
}

func (e *Engine) queueEntity(ctx context.Context, entityID string, kind store.RequestKind, method, path string, body []byte) (Outcome, error) {
	_, err := e.store.Enqueue(ctx, store.QueuedRequest{
		Kind:       kind,
		Method:     method,
		Path:       path,
		Body:       body,
		EntityID:   entityID,
		EnqueuedAt: e.now().UTC(),
	})
	if err != nil {
		return Outcome{}, err
	}
	e.logger.Printf("engine: queued %s for %s", kind, entityID)
	e.publish(notify.Event{Type: notify.EventSyncPending, EntityID: entityID,
		Message: "saved locally, will sync later"})
	return Outcome{Status: StatusPending}, nil
}

// reconcileCreate swaps the temporary record for the server's. This is
// the single point where UI references to the temp id get redirected.
func (e *Engine) reconcileCreate(ctx context.Context, tempID string, created model.Task) (model.Task, error) {
	if err := e.store.DeleteTask(ctx, tempID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return model.Task{}, err
	}
	if err := e.store.PutTask(ctx, created); err != nil {
		return model.Task{}, err
	}
	e.publish(notify.Event{Type: notify.EventReconciled, TemporaryID: tempID, FinalRecord: &created})
	return created, nil
}

func (e *Engine) publish(ev notify.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func snoozeBody(minutes int) []byte {
	body, err := json.Marshal(map[string]int{"duration": minutes})
	if err != nil {
		// A map[string]int cannot fail to marshal.
		panic(fmt.Sprintf("engine: marshal snooze body: %v", err))
	}
	return body
}
