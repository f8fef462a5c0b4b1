// Package fanout distributes Correlator events to any number of SSE
// subscribers without ever letting a slow consumer stall the Correlator's
// background task.
package fanout

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ucmmonitor/ucmmonitor/internal/correlator"
)

// defaultBufferSize is the per-subscriber queue depth. Small on purpose:
// a subscriber more than this far behind is considered unable to keep up
// and starts losing events rather than blocking the publisher.
const defaultBufferSize = 32

// Registry holds the dynamic set of subscriber queues and publishes events
// to all of them. Publish is called only from the Correlator's background
// task; Subscribe/Unsubscribe are called from HTTP handler goroutines, so
// the subscriber list is guarded by a mutex.
type Registry struct {
	mu          sync.Mutex
	subscribers map[string]chan correlator.Event
	dropped     atomic.Int64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{subscribers: make(map[string]chan correlator.Event)}
}

// Subscribe registers a new subscriber and returns its id and receive-only
// channel. Call Unsubscribe with the same id when the client disconnects.
func (r *Registry) Subscribe() (string, <-chan correlator.Event) {
	id := uuid.NewString()
	ch := make(chan correlator.Event, defaultBufferSize)

	r.mu.Lock()
	r.subscribers[id] = ch
	r.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	ch, ok := r.subscribers[id]
	delete(r.subscribers, id)
	r.mu.Unlock()

	if ok {
		close(ch)
	}
}

// Publish implements correlator.Publisher. It enqueues event on every
// subscriber's channel without blocking; a full channel means that
// subscriber is falling behind and the event is dropped for it only.
func (r *Registry) Publish(event correlator.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			r.dropped.Add(1)
			slog.Warn("fanout: dropping event for slow subscriber", "subscriber_id", id, "event_type", event.Type)
		}
	}
}

// SubscriberCount returns the current number of subscribers, for metrics.
func (r *Registry) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// DroppedCount returns the cumulative number of events dropped due to a
// full subscriber queue, for metrics.
func (r *Registry) DroppedCount() int64 {
	return r.dropped.Load()
}

var _ correlator.Publisher = (*Registry)(nil)
