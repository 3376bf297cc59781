package reminder

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrInvalidDueTime = errors.New("reminder: invalid due time")

// Fire is an emitted reminder: the task whose notificationDate arrived.
type Fire struct {
	TaskID string
	Title  string
	DueAt  time.Time
}

type queueItem struct {
	fire Fire
}

type dueQueue []queueItem

func (dq dueQueue) Len() int { return len(dq) }

func (dq dueQueue) Less(i, j int) bool {
	return dq[i].fire.DueAt.Before(dq[j].fire.DueAt)
}

func (dq dueQueue) Swap(i, j int) {
	dq[i], dq[j] = dq[j], dq[i]
}

func (dq *dueQueue) Push(x any) {
	*dq = append(*dq, x.(queueItem))
}

func (dq *dueQueue) Pop() any {
	old := *dq
	n := len(old)
	item := old[n-1]
	*dq = old[0 : n-1]
	return item
}

// Scheduler delivers one Fire per task when its due time arrives. A task
// rescheduled to a new time supersedes its earlier entry; stale heap
// entries are discarded when they surface.
type Scheduler struct {
	mu      sync.Mutex
	queue   dueQueue
	latest  map[string]time.Time
	out     chan Fire
	wakeup  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
	dropped uint64
}

func NewScheduler(bufferSize int) *Scheduler {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Scheduler{
		queue:  make(dueQueue, 0),
		latest: make(map[string]time.Time),
		out:    make(chan Fire, bufferSize),
		wakeup: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (s *Scheduler) C() <-chan Fire {
	return s.out
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	heap.Init(&s.queue)
	go s.loop()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()
	<-s.doneCh
}

// Schedule registers (or moves) the reminder for one task. A past due
// time is valid and fires on the next loop pass.
func (s *Scheduler) Schedule(f Fire) error {
	if f.DueAt.IsZero() {
		return ErrInvalidDueTime
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("reminder: scheduler stopped")
	}

	if prev, ok := s.latest[f.TaskID]; ok && prev.Equal(f.DueAt) {
		return nil
	}
	s.latest[f.TaskID] = f.DueAt
	heap.Push(&s.queue, queueItem{fire: f})
	s.signalWakeup()
	return nil
}

// Cancel forgets the task's reminder. Any heap entry it left behind is
// dropped as stale when it reaches the front.
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, taskID)
}

func (s *Scheduler) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	defer close(s.out)

	var timer *time.Timer
	for {
		next, hasNext := s.peek()
		if !hasNext {
			select {
			case <-s.wakeup:
				continue
			case <-s.stopCh:
				return
			}
		}

		wait := time.Until(next.DueAt)
		if wait < 0 {
			wait = 0
		}
		timer = resetTimer(timer, wait)

		select {
		case <-timer.C:
			due := s.popDue(time.Now().UTC())
			for _, f := range due {
				select {
				case s.out <- f:
				default:
					atomic.AddUint64(&s.dropped, 1)
				}
			}
		case <-s.wakeup:
			continue
		case <-s.stopCh:
			if timer != nil {
				stopTimer(timer)
			}
			return
		}
	}
}

func (s *Scheduler) signalWakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func (s *Scheduler) peek() (Fire, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		next := s.queue[0].fire
		if current, ok := s.latest[next.TaskID]; ok && current.Equal(next.DueAt) {
			return next, true
		}
		// Superseded or canceled.
		heap.Pop(&s.queue)
	}
	return Fire{}, false
}

func (s *Scheduler) popDue(now time.Time) []Fire {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Fire, 0)
	for len(s.queue) > 0 {
		next := s.queue[0].fire
		if next.DueAt.After(now) {
			break
		}
		item := heap.Pop(&s.queue).(queueItem)
		current, ok := s.latest[item.fire.TaskID]
		if !ok || !current.Equal(item.fire.DueAt) {
			continue
		}
		delete(s.latest, item.fire.TaskID)
		out = append(out, item.fire)
	}
	return out
}

func resetTimer(timer *time.Timer, d time.Duration) *time.Timer {
	if timer == nil {
		return time.NewTimer(d)
	}
	stopTimer(timer)
	timer.Reset(d)
	return timer
}

func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
