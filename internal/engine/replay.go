package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tasklab/syncd/internal/api"
	"github.com/tasklab/syncd/internal/model"
	"github.com/tasklab/syncd/internal/notify"
	"github.com/tasklab/syncd/internal/store"
)

// Replay drains the request queue oldest-first, one entry at a time.
// Safe to invoke concurrently with itself: a second invocation while one
// is running returns immediately. A retryable failure leaves its entry
// queued and moves on, so one stuck mutation never blocks independent
// later entries. Returns an error only for authentication or a failure
// of the store/context; per-entry failures are logged and skipped.
func (e *Engine) Replay(ctx context.Context) error {
	if !e.replaying.CompareAndSwap(false, true) {
		return nil
	}
	defer e.replaying.Store(false)

	queued, err := e.store.PeekAllQueued(ctx)
	if err != nil {
		return err
	}

	for _, snapshot := range queued {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Re-read the entry: a create resolved earlier in this pass may
		// have repointed it at the server id, or a collapse removed it.
		entry, err := e.store.GetQueued(ctx, snapshot.Key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		done, err := e.replayEntry(ctx, entry)
		if err != nil {
			if errors.Is(err, api.ErrNotAuthenticated) {
				// Nothing in the rest of the queue can succeed either.
				e.publish(notify.Event{Type: notify.EventAuthRequired})
				return err
			}
			var storageErr *store.StorageError
			if errors.As(err, &storageErr) {
				return err
			}
			// Retryable: keep the entry for the next pass.
			e.logger.Printf("engine: replay %s for %s failed, retrying later: %v",
				entry.Kind, entry.EntityID, err)
			continue
		}
		if done {
			if err := e.store.Dequeue(ctx, entry.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
	}

	if len(queued) == 0 {
		// Nothing was pending; an empty replay is a complete no-op.
		return nil
	}
	remaining, err := e.store.QueueLength(ctx)
	if err != nil {
		return err
	}
	if remaining == 0 {
		e.publish(notify.Event{Type: notify.EventQueueDrained})
	}
	return nil
}

// replayEntry reissues one queued request. It reports done=true when the
// entry reached a terminal outcome (success or non-retryable error with
// local cleanup) and must leave the queue; a retryable failure comes
// back as an error with done=false.
func (e *Engine) replayEntry(ctx context.Context, entry store.QueuedRequest) (bool, error) {
	switch entry.Kind {
	case store.KindTaskCreate:
		return e.replayTaskCreate(ctx, entry)
	case store.KindTaskUpdate:
		return e.replayTaskUpdate(ctx, entry)
	case store.KindTaskDelete:
		return e.replayTaskDelete(ctx, entry)
	case store.KindTaskSnooze:
		return e.replayTaskSnooze(ctx, entry)
	case store.KindListCreate:
		return e.replayListCreate(ctx, entry)
	case store.KindListDelete:
		return e.replayListDelete(ctx, entry)
	default:
		// Unknown kind, likely from a newer schema: drop it rather than
		// wedge the queue forever.
		e.logger.Printf("engine: dropping queued request of unknown kind %q", entry.Kind)
		return true, nil
	}
}

func (e *Engine) replayTaskCreate(ctx context.Context, entry store.QueuedRequest) (bool, error) {
	var task model.Task
	if err := json.Unmarshal(entry.Body, &task); err != nil {
		return false, fmt.Errorf("decode queued create: %w", err)
	}

	created, err := e.remote.CreateTask(ctx, task)
	if err != nil {
		if terminal, termErr := e.terminalTaskFailure(ctx, err, entry); terminal {
			return true, termErr
		}
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.reconcileCreate(ctx, entry.EntityID, created); err != nil {
		return false, err
	}
	// Later queued entries may still reference the temp id; repoint them
	// at the server id so they survive even across separate passes.
	return true, e.reassignQueued(ctx, entry.EntityID, created.ID)
}

func (e *Engine) replayTaskUpdate(ctx context.Context, entry store.QueuedRequest) (bool, error) {
	var task model.Task
	if err := json.Unmarshal(entry.Body, &task); err != nil {
		return false, fmt.Errorf("decode queued update: %w", err)
	}
	task.ID = entry.EntityID

	if model.IsTempID(entry.EntityID) {
		// Its create never succeeded; this update has nothing to target.
		// Keep it queued behind the create.
		return false, errors.New("engine: update targets unresolved temp id")
	}

	updated, err := e.remote.UpdateTask(ctx, entry.EntityID, task)
	if err != nil {
		if terminal, termErr := e.terminalTaskFailure(ctx, err, entry); terminal {
			return true, termErr
		}
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return true, e.store.PutTask(ctx, updated)
}

func (e *Engine) replayTaskDelete(ctx context.Context, entry store.QueuedRequest) (bool, error) {
	err := e.remote.DeleteTask(ctx, entry.EntityID)
	switch {
	case err == nil, api.IsNotFound(err):
		// Gone on the server either way; make sure it is gone locally.
		e.mu.Lock()
		defer e.mu.Unlock()
		if delErr := e.store.DeleteTask(ctx, entry.EntityID); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
			return true, delErr
		}
		return true, nil
	default:
		if terminal, termErr := e.terminalTaskFailure(ctx, err, entry); terminal {
			return true, termErr
		}
		return false, err
	}
}

func (e *Engine) replayTaskSnooze(ctx context.Context, entry store.QueuedRequest) (bool, error) {
	var body struct {
		Duration int `json:"duration"`
	}
	if err := json.Unmarshal(entry.Body, &body); err != nil {
		return false, fmt.Errorf("decode queued snooze: %w", err)
	}
	if model.IsTempID(entry.EntityID) {
		return false, errors.New("engine: snooze targets unresolved temp id")
	}

	updated, err := e.remote.SnoozeTask(ctx, entry.EntityID, body.Duration)
	if err != nil {
		if terminal, termErr := e.terminalTaskFailure(ctx, err, entry); terminal {
			return true, termErr
		}
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return true, e.store.PutTask(ctx, updated)
}

func (e *Engine) replayListCreate(ctx context.Context, entry store.QueuedRequest) (bool, error) {
	err := e.remote.CreateList(ctx, entry.EntityID)
	switch {
	case err == nil, api.IsConflict(err):
		return true, nil
	case errors.Is(err, api.ErrNotAuthenticated):
		return false, err
	case api.Retryable(err):
		return false, err
	default:
		e.publish(notify.Event{Type: notify.EventDropped, EntityID: entry.EntityID, Message: err.Error()})
		return true, nil
	}
}

func (e *Engine) replayListDelete(ctx context.Context, entry store.QueuedRequest) (bool, error) {
	err := e.remote.DeleteList(ctx, entry.EntityID)
	switch {
	case err == nil, api.IsNotFound(err):
		return true, nil
	case errors.Is(err, api.ErrNotAuthenticated):
		return false, err
	case api.Retryable(err):
		return false, err
	default:
		e.publish(notify.Event{Type: notify.EventDropped, EntityID: entry.EntityID, Message: err.Error()})
		return true, nil
	}
}

// terminalTaskFailure handles the non-retryable outcomes shared by all
// task replays: 404 means the server-side record is gone, so the local
// record goes too; 409 means the mutation is discarded. A terminally
// rejected create takes everything queued behind its temp id with it:
// no future pass can ever resolve that id, so keeping the dependents
// would wedge the queue. Auth and retryable errors are not terminal.
func (e *Engine) terminalTaskFailure(ctx context.Context, err error, entry store.QueuedRequest) (bool, error) {
	if errors.Is(err, api.ErrNotAuthenticated) || api.Retryable(err) {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case entry.Kind == store.KindTaskCreate:
		if dropErr := e.dropDependents(ctx, entry, err.Error()); dropErr != nil {
			return true, dropErr
		}
		if delErr := e.store.DeleteTask(ctx, entry.EntityID); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
			return true, delErr
		}
	case api.IsNotFound(err):
		if delErr := e.store.DeleteTask(ctx, entry.EntityID); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
			return true, delErr
		}
	}
	e.publish(notify.Event{Type: notify.EventDropped, EntityID: entry.EntityID, Message: err.Error()})
	return true, nil
}

// dropDependents dequeues every other entry still targeting the failed
// create's temp id, announcing each as dropped.
func (e *Engine) dropDependents(ctx context.Context, entry store.QueuedRequest, reason string) error {
	dependent, err := e.store.QueuedForEntity(ctx, entry.EntityID)
	if err != nil {
		return err
	}
	for _, dep := range dependent {
		if dep.Key == entry.Key {
			continue
		}
		if err := e.store.Dequeue(ctx, dep.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		e.publish(notify.Event{Type: notify.EventDropped, EntityID: dep.EntityID, Message: reason})
	}
	return nil
}

// reassignQueued rewrites queued entries that reference a just-resolved
// temp id. Paths and bodies are rewritten too so a reissued request
// matches what a live client would have sent for the server id.
func (e *Engine) reassignQueued(ctx context.Context, tempID, serverID string) error {
	dependent, err := e.store.QueuedForEntity(ctx, tempID)
	if err != nil {
		return err
	}
	for _, dep := range dependent {
		path := strings.ReplaceAll(dep.Path, url.PathEscape(tempID), url.PathEscape(serverID))
		body := dep.Body
		if len(body) > 0 {
			body = []byte(strings.ReplaceAll(string(body), tempID, serverID))
		}
		if err := e.store.UpdateQueued(ctx, dep.Key, serverID, path, body); err != nil {
			return err
		}
	}
	return nil
}

// Refresh mirrors authoritative server state into the local store.
// Records that still have queued mutations, and records under temporary
// ids, are preserved as-is: the queue replaying is what reconciles them,
// and a refresh must never lose offline work. Everything else is
// last-write-wins at the record level.
func (e *Engine) Refresh(ctx context.Context) error {
	serverTasks, err := e.remote.ListTasks(ctx)
	if err != nil {
		if errors.Is(err, api.ErrNotAuthenticated) {
			e.publish(notify.Event{Type: notify.EventAuthRequired})
		}
		return err
	}
	serverLists, err := e.remote.ListLists(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	queued, err := e.store.PeekAllQueued(ctx)
	if err != nil {
		return err
	}
	pending := make(map[string]bool, len(queued))
	pendingDelete := make(map[string]bool)
	for _, entry := range queued {
		pending[entry.EntityID] = true
		if entry.Kind == store.KindTaskDelete || entry.Kind == store.KindListDelete {
			pendingDelete[entry.EntityID] = true
		}
	}

	local, err := e.store.ListTasks(ctx)
	if err != nil {
		return err
	}

	merged := make(map[string]model.Task, len(serverTasks))
	for _, task := range serverTasks {
		// A record deleted locally, its delete still queued, must not be
		// resurrected by a refresh.
		if pendingDelete[task.ID] {
			continue
		}
		merged[task.ID] = task
	}
	for _, task := range local {
		if model.IsTempID(task.ID) || pending[task.ID] {
			merged[task.ID] = task
		}
	}
	final := make([]model.Task, 0, len(merged))
	for _, task := range merged {
		final = append(final, task)
	}
	if err := e.store.ReplaceTasks(ctx, final); err != nil {
		return err
	}

	localLists, err := e.store.ListLists(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]model.List, len(localLists))
	for _, list := range localLists {
		byName[list.Name] = list
	}
	now := e.now().UTC()
	mergedLists := make([]model.List, 0, len(serverLists))
	seen := make(map[string]bool, len(serverLists))
	for _, name := range serverLists {
		if pendingDelete[name] {
			continue
		}
		list, ok := byName[name]
		if !ok {
			list = model.List{Name: name, CreatedAt: now}
		}
		mergedLists = append(mergedLists, list)
		seen[name] = true
	}
	for _, list := range localLists {
		if !seen[list.Name] && pending[list.Name] {
			mergedLists = append(mergedLists, list)
		}
	}
	return e.store.ReplaceLists(ctx, mergedLists)
}
