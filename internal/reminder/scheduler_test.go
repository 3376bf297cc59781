package reminder

import (
	"fmt"
	"testing"
	"time"
)

func TestSchedulerFiresInDueOrder(t *testing.T) {
	sched := NewScheduler(8)
	sched.Start()
	defer sched.Stop()

	now := time.Now().UTC()
	if err := sched.Schedule(Fire{TaskID: "later", DueAt: now.Add(80 * time.Millisecond)}); err != nil {
		t.Fatalf("schedule later: %v", err)
	}
	if err := sched.Schedule(Fire{TaskID: "sooner", DueAt: now.Add(20 * time.Millisecond)}); err != nil {
		t.Fatalf("schedule sooner: %v", err)
	}

	first := waitFire(t, sched.C(), time.Second)
	second := waitFire(t, sched.C(), time.Second)
	if first.TaskID != "sooner" || second.TaskID != "later" {
		t.Fatalf("unexpected order: first=%s second=%s", first.TaskID, second.TaskID)
	}
}

func TestSchedulerRescheduleSupersedes(t *testing.T) {
	sched := NewScheduler(8)
	sched.Start()
	defer sched.Stop()

	now := time.Now().UTC()
	if err := sched.Schedule(Fire{TaskID: "task", DueAt: now.Add(10 * time.Millisecond)}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := sched.Schedule(Fire{TaskID: "task", DueAt: now.Add(60 * time.Millisecond)}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	fired := waitFire(t, sched.C(), time.Second)
	if !fired.DueAt.Equal(now.Add(60 * time.Millisecond)) {
		t.Fatalf("stale entry fired: %v", fired)
	}
	select {
	case extra := <-sched.C():
		t.Fatalf("superseded entry fired too: %v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSchedulerCancelSilencesTask(t *testing.T) {
	sched := NewScheduler(8)
	sched.Start()
	defer sched.Stop()

	if err := sched.Schedule(Fire{TaskID: "muted", DueAt: time.Now().UTC().Add(20 * time.Millisecond)}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	sched.Cancel("muted")

	select {
	case fired := <-sched.C():
		t.Fatalf("canceled reminder fired: %v", fired)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSchedulerNonBlockingDropsWhenConsumerIsSlow(t *testing.T) {
	sched := NewScheduler(1)
	sched.Start()
	defer sched.Stop()

	due := time.Now().UTC().Add(20 * time.Millisecond)
	for i := 0; i < 25; i++ {
		if err := sched.Schedule(Fire{TaskID: fmt.Sprintf("task-%d", i), DueAt: due}); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	time.Sleep(120 * time.Millisecond)
	if sched.Dropped() == 0 {
		t.Fatalf("expected dropped fires > 0, got %d", sched.Dropped())
	}
}

func TestScheduleValidatesDueTime(t *testing.T) {
	sched := NewScheduler(1)
	if err := sched.Schedule(Fire{TaskID: "bad"}); err != ErrInvalidDueTime {
		t.Fatalf("expected ErrInvalidDueTime, got %v", err)
	}
}

func waitFire(t *testing.T, ch <-chan Fire, timeout time.Duration) Fire {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for fire")
		return Fire{}
	}
}
