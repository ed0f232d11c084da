// Package outbox implements OutboxTailer (spec §4.4): cursor-based
// polling of the durable outbox table, broadcasting new rows to
// subscribers. Grounded on the teacher daemon's internal/timeline/loop.go
// Engine.Run/poll ticker pattern, generalized from task-dispatch to
// cursor-based event tailing.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/fleetgate/internal/logging"
	"github.com/ehrlich-b/fleetgate/internal/store"
)

var log = logging.Component("outbox")

// Listener receives each newly-tailed event, in increasing id order. A
// listener may see an event twice if the daemon crashes after broadcast
// but before the mark-delivered write; listeners must be idempotent
// (spec §4.4).
type Listener func(e *store.OutboxEvent)

const (
	pollInterval = time.Second
	pollLimit    = 100
)

// Tailer polls the store on a fixed tick and fans new events out to
// subscribers.
type Tailer struct {
	db *store.Store

	mu        sync.Mutex
	cursor    int64
	listeners map[int]Listener
	nextID    int
	cancel    context.CancelFunc
	stopped   chan struct{}
}

// New creates a Tailer. The in-memory cursor starts at the store's
// current latest event id so a fresh daemon doesn't re-broadcast history.
func New(db *store.Store) (*Tailer, error) {
	latest, err := db.LatestOutboxEventID()
	if err != nil {
		return nil, err
	}
	return &Tailer{db: db, cursor: latest, listeners: make(map[int]Listener)}, nil
}

// Subscribe registers a listener and returns an unsubscribe func.
func (t *Tailer) Subscribe(l Listener) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Start begins the poll loop. The loop is non-cancellable mid-tick;
// Stop interrupts it between ticks (spec §5).
func (t *Tailer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.stopped = make(chan struct{})

	logging.SafeGo("outbox.tailer", func() {
		defer close(t.stopped)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.tick()
			}
		}
	})
}

// Stop halts the poll loop and waits for the in-flight tick (if any) to
// finish.
func (t *Tailer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.stopped != nil {
		<-t.stopped
	}
}

func (t *Tailer) tick() {
	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()

	events, err := t.db.OutboxEventsAfter(cursor, pollLimit)
	if err != nil {
		log.Warn("poll failed", "err", err)
		return
	}
	if len(events) == 0 {
		return
	}

	t.mu.Lock()
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	delivered := make([]int64, 0, len(events))
	for _, e := range events {
		for _, l := range listeners {
			l(e)
		}
		delivered = append(delivered, e.EventID)
		t.mu.Lock()
		t.cursor = e.EventID
		t.mu.Unlock()
	}

	if err := t.db.MarkOutboxDelivered(delivered); err != nil {
		log.Warn("mark delivered failed", "err", err)
	}
}

// GetEventsAfter lets a just-connected client catch up from its last-seen
// id; it does not mutate the tailer's cursor and does not re-mark events.
func (t *Tailer) GetEventsAfter(cursor int64, limit int) ([]*store.OutboxEvent, error) {
	return t.db.OutboxEventsAfter(cursor, limit)
}
