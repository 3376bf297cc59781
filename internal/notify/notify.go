// Package notify carries sync events from the engine to whatever
// rendering layer is listening. Delivery is fire-and-forget, at most
// once: a slow or absent listener loses events, and the local store
// remains the source of truth for the next full render.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/tasklab/syncd/internal/model"
)

type EventType string

const (
	// EventReconciled announces that a temporary-id record has been
	// replaced by its server-assigned counterpart.
	EventReconciled EventType = "reconciled"
	// EventQueueDrained fires when a replay pass ends with an empty
	// queue; the UI may re-render from authoritative state.
	EventQueueDrained EventType = "queueDrained"
	// EventSyncPending means a mutation was applied locally but could
	// not reach the server and is queued.
	EventSyncPending EventType = "syncPending"
	// EventDropped means a queued mutation hit a terminal error and was
	// discarded after local cleanup.
	EventDropped EventType = "dropped"
	// EventAuthRequired means the server rejected the session; the UI
	// must prompt for login.
	EventAuthRequired EventType = "authRequired"
	// EventReminder fires when a task's notification date passes.
	EventReminder EventType = "reminder"
)

type Event struct {
	Type        EventType   `json:"type"`
	TemporaryID string      `json:"temporaryId,omitempty"`
	FinalRecord *model.Task `json:"finalRecord,omitempty"`
	EntityID    string      `json:"entityId,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// Bus fans events out to subscribers over buffered channels. Publish
// never blocks; events for a full subscriber are counted and dropped.
type Bus struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	buffer  int
	closed  bool
	dropped uint64
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			atomic.AddUint64(&b.dropped, 1)
		}
	}
}

func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
