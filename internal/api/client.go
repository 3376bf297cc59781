package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tasklab/syncd/internal/model"
)

// DefaultTimeout bounds every remote call so a queue replay can never
// hang on one entry. A timed-out call surfaces as a retryable
// NetworkError.
const DefaultTimeout = 15 * time.Second

// Client is a thin typed wrapper over the tasklab REST API. One method
// call issues exactly one HTTP request; retry policy belongs to the sync
// engine's replay driver, never here.
type Client struct {
	baseURL string
	http    *http.Client
	session *Session
}

func NewClient(baseURL string, session *Session, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		session: session,
	}
}

func (c *Client) ListTasks(ctx context.Context) ([]model.Task, error) {
	var out []model.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	body, err := json.Marshal(taskPayload(task))
	if err != nil {
		return model.Task{}, fmt.Errorf("encode task: %w", err)
	}
	var out model.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", body, &out); err != nil {
		return model.Task{}, err
	}
	return out, nil
}

func (c *Client) UpdateTask(ctx context.Context, id string, task model.Task) (model.Task, error) {
	body, err := json.Marshal(taskPayload(task))
	if err != nil {
		return model.Task{}, fmt.Errorf("encode task: %w", err)
	}
	var out model.Task
	if err := c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(id), body, &out); err != nil {
		return model.Task{}, err
	}
	return out, nil
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) SnoozeTask(ctx context.Context, id string, minutes int) (model.Task, error) {
	body, err := json.Marshal(snoozePayload(minutes))
	if err != nil {
		return model.Task{}, fmt.Errorf("encode snooze: %w", err)
	}
	var out model.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/snooze", body, &out); err != nil {
		return model.Task{}, err
	}
	return out, nil
}

func (c *Client) ListLists(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/api/lists", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateList(ctx context.Context, name string) error {
	body, err := json.Marshal(map[string]string{"listName": name})
	if err != nil {
		return fmt.Errorf("encode list: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/api/lists", body, nil)
}

func (c *Client) DeleteList(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/lists/"+url.PathEscape(name), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c.session != nil && c.session.Expired(time.Now()) {
		return ErrNotAuthenticated
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.session != nil {
		if token := c.session.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	res, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}

	if res.StatusCode == http.StatusUnauthorized {
		return ErrNotAuthenticated
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &ServerError{Status: res.StatusCode, Message: serverMessage(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func serverMessage(data []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	return payload.Message
}

// taskPayload is the full desired state of a task as the server accepts
// it. Updates always carry the whole representation, so replaying a
// queued entry re-applies the final intended state rather than a diff.
func taskPayload(task model.Task) map[string]any {
	return map[string]any{
		"title":            task.Title,
		"completed":        task.Completed,
		"completedTimestamp": task.CompletedAt,
		"priority":         task.Priority,
		"prioritySchedule": task.PrioritySchedule,
		"notificationDate": task.NotificationDate,
		"list":             task.List,
		"snoozed":          task.Snoozed,
		"snoozeUntil":      task.SnoozeUntil,
	}
}

func snoozePayload(minutes int) map[string]any {
	if minutes <= 0 {
		return map[string]any{"duration": "unsnooze"}
	}
	return map[string]any{"duration": minutes}
}
