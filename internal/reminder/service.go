package reminder

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tasklab/syncd/internal/model"
	"github.com/tasklab/syncd/internal/notify"
)

// TaskSource is the slice of the sync engine the reminder service needs.
type TaskSource interface {
	Tasks(ctx context.Context) ([]model.Task, error)
	MarkNotificationSent(ctx context.Context, id string) error
}

// Service watches notificationDate fields and raises reminder events.
// Firing is a local concern: the sent flag is written to the local store
// only and is never pushed to the server.
type Service struct {
	sched  *Scheduler
	tasks  TaskSource
	bus    *notify.Bus
	logger *log.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	scheduled map[string]bool
}

func NewService(tasks TaskSource, bus *notify.Bus, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		sched:     NewScheduler(16),
		tasks:     tasks,
		bus:       bus,
		logger:    logger,
		stopCh:    make(chan struct{}),
		scheduled: make(map[string]bool),
	}
}

func (s *Service) Start() {
	s.sched.Start()
	s.wg.Add(1)
	go s.consume()
}

func (s *Service) Stop() {
	s.sched.Stop()
	close(s.stopCh)
	s.wg.Wait()
}

// Resync rebuilds the schedule from current task state. Call it after
// any mutation or refresh that may have touched notification dates.
func (s *Service) Resync(ctx context.Context) error {
	tasks, err := s.tasks.Tasks(ctx)
	if err != nil {
		return err
	}
	eligible := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.NotificationDate == nil || task.NotificationSent || task.Completed {
			continue
		}
		eligible[task.ID] = true
		if err := s.sched.Schedule(Fire{TaskID: task.ID, Title: task.Title, DueAt: *task.NotificationDate}); err != nil {
			return err
		}
	}
	// Anything scheduled last pass that is no longer eligible: the task
	// lost its notification date, completed, or was deleted outright.
	s.mu.Lock()
	for id := range s.scheduled {
		if !eligible[id] {
			s.sched.Cancel(id)
		}
	}
	s.scheduled = eligible
	s.mu.Unlock()
	return nil
}

func (s *Service) consume() {
	defer s.wg.Done()
	for {
		select {
		case f, ok := <-s.sched.C():
			if !ok {
				return
			}
			s.fire(f)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) fire(f Fire) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.tasks.MarkNotificationSent(ctx, f.TaskID); err != nil {
		s.logger.Printf("reminder: mark sent for %s: %v", f.TaskID, err)
		return
	}
	s.bus.Publish(notify.Event{
		Type:     notify.EventReminder,
		EntityID: f.TaskID,
		Message:  f.Title,
	})
}
