package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyTitle      = errors.New("model: task title is required")
	ErrInvalidPriority = errors.New("model: invalid task priority")
)

// TempIDPrefix marks client-generated ids assigned to tasks created before
// the server has confirmed them.
const TempIDPrefix = "temp-"

type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Task mirrors one server task record. Field names on the wire follow the
// remote API's JSON shape.
type Task struct {
	ID               string     `json:"_id"`
	Title            string     `json:"title"`
	Completed        bool       `json:"completed"`
	CompletedAt      *time.Time `json:"completedTimestamp"`
	Priority         Priority   `json:"priority"`
	PrioritySchedule *time.Time `json:"prioritySchedule"`
	NotificationDate *time.Time `json:"notificationDate"`
	NotificationSent bool       `json:"notificationSent"`
	List             string     `json:"list"`
	Snoozed          bool       `json:"snoozed"`
	SnoozeUntil      *time.Time `json:"snoozeUntil"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("model: task id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return ErrEmptyTitle
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, t.Priority)
	}
	if t.Completed && t.CompletedAt == nil {
		return errors.New("model: completedTimestamp is required when task is completed")
	}
	if !t.Completed && t.CompletedAt != nil {
		return errors.New("model: completedTimestamp must be nil when task is not completed")
	}
	return nil
}

// NewTempID synthesizes an id for a task created before the server has
// assigned one. Temp ids are globally distinguishable by prefix.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// SetCompleted flips the completed flag and keeps the completedTimestamp
// invariant: non-nil iff completed.
func (t *Task) SetCompleted(completed bool, now time.Time) {
	t.Completed = completed
	if completed {
		ts := now.UTC()
		t.CompletedAt = &ts
	} else {
		t.CompletedAt = nil
	}
	t.UpdatedAt = now.UTC()
}

// Snooze hides the task until now+minutes. Minutes <= 0 unsnoozes.
func (t *Task) Snooze(minutes int, now time.Time) {
	if minutes <= 0 {
		t.Snoozed = false
		t.SnoozeUntil = nil
	} else {
		until := now.UTC().Add(time.Duration(minutes) * time.Minute)
		t.Snoozed = true
		t.SnoozeUntil = &until
	}
	t.UpdatedAt = now.UTC()
}

// Effective returns the task as it should be presented at the given time.
// A passed prioritySchedule bumps the presented priority to High until the
// next explicit write normalizes it; a passed snoozeUntil presents the
// task as not snoozed. Derived on every read, never persisted.
func (t Task) Effective(now time.Time) Task {
	out := t
	if t.PrioritySchedule != nil && !t.Completed && !t.PrioritySchedule.After(now) {
		out.Priority = PriorityHigh
	}
	if t.Snoozed && t.SnoozeUntil != nil && !t.SnoozeUntil.After(now) {
		out.Snoozed = false
	}
	return out
}

// NotificationDue reports whether the task's local reminder should fire.
func (t Task) NotificationDue(now time.Time) bool {
	return t.NotificationDate != nil && !t.NotificationSent && !t.Completed &&
		!t.NotificationDate.After(now)
}
