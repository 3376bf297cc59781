// Package trigger drives the background sync cadence: a periodic tick
// plus explicit kicks (the user's "sync now", connectivity restored)
// both funnel into one replay-then-refresh pass.
package trigger

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tasklab/syncd/internal/api"
)

const DefaultInterval = 60 * time.Second

// Syncer is the slice of the sync engine the trigger drives.
type Syncer interface {
	Replay(ctx context.Context) error
	Refresh(ctx context.Context) error
	QueueLength(ctx context.Context) (int, error)
}

type Trigger struct {
	syncer    Syncer
	interval  time.Duration
	timeout   time.Duration
	afterSync func(ctx context.Context)
	logger    *log.Logger

	kick    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds a trigger. afterSync, when non-nil, runs after every pass
// that reached the refresh stage (reminder rescheduling hangs off it).
func New(syncer Syncer, interval time.Duration, afterSync func(ctx context.Context), logger *log.Logger) *Trigger {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Trigger{
		syncer:    syncer,
		interval:  interval,
		timeout:   interval,
		afterSync: afterSync,
		logger:    logger,
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (t *Trigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	go t.loop()
}

func (t *Trigger) Stop() {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stopCh)
	t.mu.Unlock()
	<-t.doneCh
}

// Kick requests an immediate pass. Coalesces: a kick during a running
// pass schedules exactly one more.
func (t *Trigger) Kick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *Trigger) loop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	// One pass at startup picks up whatever queued while the daemon was
	// down.
	t.pass()

	for {
		select {
		case <-ticker.C:
			t.pass()
		case <-t.kick:
			t.pass()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Trigger) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	if err := t.syncer.Replay(ctx); err != nil {
		if errors.Is(err, api.ErrNotAuthenticated) {
			t.logger.Printf("trigger: sync paused, authentication required")
			return
		}
		t.logger.Printf("trigger: replay: %v", err)
		return
	}

	// Refresh only over a drained queue: pulling server state while
	// mutations are still pending would fight the replay.
	remaining, err := t.syncer.QueueLength(ctx)
	if err != nil {
		t.logger.Printf("trigger: queue length: %v", err)
		return
	}
	if remaining > 0 {
		return
	}
	if err := t.syncer.Refresh(ctx); err != nil {
		t.logger.Printf("trigger: refresh: %v", err)
		return
	}
	if t.afterSync != nil {
		t.afterSync(ctx)
	}
}
