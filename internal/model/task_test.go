package model

import (
	"errors"
	"testing"
	"time"
)

func parseRFC3339(t *testing.T, value string) time.Time {
	t.Helper()
	out, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return out
}

func TestValidateRejectsEmptyTitle(t *testing.T) {
	task := Task{ID: "task-1", Title: "   ", Priority: PriorityLow}
	if err := task.Validate(); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}
}

func TestValidateRejectsBadPriority(t *testing.T) {
	task := Task{ID: "task-1", Title: "Buy milk", Priority: 7}
	if err := task.Validate(); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("expected ErrInvalidPriority, got %v", err)
	}
}

func TestValidateCompletionTimestampInvariant(t *testing.T) {
	now := parseRFC3339(t, "2026-03-01T10:00:00Z")

	task := Task{ID: "task-1", Title: "Buy milk", Priority: PriorityLow, Completed: true}
	if err := task.Validate(); err == nil {
		t.Fatal("expected error for completed task without timestamp")
	}

	task.CompletedAt = &now
	if err := task.Validate(); err != nil {
		t.Fatalf("valid completed task rejected: %v", err)
	}

	task.Completed = false
	if err := task.Validate(); err == nil {
		t.Fatal("expected error for open task with completedTimestamp")
	}
}

func TestSetCompletedKeepsTimestampInvariant(t *testing.T) {
	now := parseRFC3339(t, "2026-03-01T10:00:00Z")
	task := Task{ID: "task-1", Title: "Buy milk", Priority: PriorityLow}

	task.SetCompleted(true, now)
	if !task.Completed || task.CompletedAt == nil || !task.CompletedAt.Equal(now) {
		t.Fatalf("unexpected state after completion: %#v", task)
	}

	task.SetCompleted(false, now.Add(time.Minute))
	if task.Completed || task.CompletedAt != nil {
		t.Fatalf("unexpected state after un-completion: %#v", task)
	}
}

func TestTempIDsAreDistinguishable(t *testing.T) {
	id := NewTempID()
	if !IsTempID(id) {
		t.Fatalf("expected temp id, got %q", id)
	}
	if IsTempID("68b1c2d3e4f5") {
		t.Fatal("server id misclassified as temp")
	}
	if id == NewTempID() {
		t.Fatal("temp ids must be unique")
	}
}

func TestEffectiveBumpsPriorityAfterSchedule(t *testing.T) {
	now := parseRFC3339(t, "2026-03-01T10:00:00Z")
	past := now.Add(-time.Minute)

	task := Task{ID: "task-1", Title: "Buy milk", Priority: PriorityLow, PrioritySchedule: &past}
	eff := task.Effective(now)
	if eff.Priority != PriorityHigh {
		t.Fatalf("expected presented priority High, got %d", eff.Priority)
	}
	if task.Priority != PriorityLow {
		t.Fatalf("stored priority must be untouched, got %d", task.Priority)
	}

	// Completed tasks are not bumped.
	task.SetCompleted(true, now)
	if eff := task.Effective(now); eff.Priority != PriorityLow {
		t.Fatalf("completed task bumped: %d", eff.Priority)
	}
}

func TestEffectiveClearsExpiredSnooze(t *testing.T) {
	now := parseRFC3339(t, "2026-03-01T10:00:00Z")
	task := Task{ID: "task-1", Title: "Buy milk", Priority: PriorityLow}

	task.Snooze(60, now)
	if !task.Snoozed || task.SnoozeUntil == nil {
		t.Fatalf("snooze not applied: %#v", task)
	}
	if eff := task.Effective(now.Add(30 * time.Minute)); !eff.Snoozed {
		t.Fatal("snooze cleared too early")
	}
	if eff := task.Effective(now.Add(2 * time.Hour)); eff.Snoozed {
		t.Fatal("expired snooze still presented")
	}

	task.Snooze(0, now)
	if task.Snoozed || task.SnoozeUntil != nil {
		t.Fatalf("unsnooze not applied: %#v", task)
	}
}

func TestDashboardViewFiltersAndLimits(t *testing.T) {
	now := parseRFC3339(t, "2026-03-01T10:00:00Z")
	done := now.Add(-time.Hour)
	tasks := []Task{
		{ID: "a", Title: "a", Priority: PriorityLow, List: "home"},
		{ID: "b", Title: "b", Priority: PriorityLow, List: "work"},
		{ID: "c", Title: "c", Priority: PriorityLow, List: "home", Completed: true, CompletedAt: &done},
		{ID: "d", Title: "d", Priority: PriorityLow, List: "home", Snoozed: true, SnoozeUntil: timePtr(now.Add(time.Hour))},
		{ID: "e", Title: "e", Priority: PriorityLow, List: "home"},
	}

	home := DashboardView(tasks, "home", 3, now)
	if len(home) != 2 || home[0].ID != "a" || home[1].ID != "e" {
		t.Fatalf("unexpected dashboard view: %#v", home)
	}

	all := DashboardView(tasks, "all", 1, now)
	if len(all) != 1 || all[0].ID != "a" {
		t.Fatalf("unexpected limited view: %#v", all)
	}
}

func TestSortBrowsePutsCompletedLast(t *testing.T) {
	now := parseRFC3339(t, "2026-03-01T10:00:00Z")
	early := now.Add(-2 * time.Hour)
	late := now.Add(-time.Hour)
	tasks := []Task{
		{ID: "done-early", Completed: true, CompletedAt: &early},
		{ID: "open-1"},
		{ID: "done-late", Completed: true, CompletedAt: &late},
		{ID: "open-2"},
	}

	SortBrowse(tasks)
	want := []string{"open-1", "open-2", "done-late", "done-early"}
	for i, id := range want {
		if tasks[i].ID != id {
			t.Fatalf("position %d: want %s, got %s", i, id, tasks[i].ID)
		}
	}
}

func timePtr(v time.Time) *time.Time {
	return &v
}
