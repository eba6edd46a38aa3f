// Package broadcast fans freshly computed snapshots out to registered sinks.
// Delivery is bounded and non-blocking: a sink that cannot accept a tick has
// that tick dropped for it alone, since the next tick is recomputed fresh and
// loses nothing but timeliness.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jstrand/chainprice/internal/model"
)

// Subscription is one sink's registration.
type Subscription struct {
	ID uuid.UUID
	C  <-chan model.Snapshot

	registry *Registry
}

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.registry.unsubscribe(s.ID)
}

// Registry is a concurrent-safe sink registry.
type Registry struct {
	logger  *slog.Logger
	bufSize int

	mu    sync.RWMutex
	sinks map[uuid.UUID]chan model.Snapshot

	dropped atomic.Int64
	sent    atomic.Int64
}

// NewRegistry creates a registry whose sink channels hold bufSize snapshots.
func NewRegistry(bufSize int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if bufSize < 1 {
		bufSize = 1
	}
	return &Registry{
		logger:  logger,
		bufSize: bufSize,
		sinks:   make(map[uuid.UUID]chan model.Snapshot),
	}
}

// Subscribe registers a new sink.
func (r *Registry) Subscribe() *Subscription {
	ch := make(chan model.Snapshot, r.bufSize)
	id := uuid.New()

	r.mu.Lock()
	r.sinks[id] = ch
	r.mu.Unlock()

	return &Subscription{ID: id, C: ch, registry: r}
}

func (r *Registry) unsubscribe(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.sinks[id]
	if !ok {
		return
	}
	delete(r.sinks, id)
	close(ch)
}

// Publish delivers a snapshot to every sink without blocking and returns the
// number of sinks reached. Full sinks are skipped and counted.
func (r *Registry) Publish(s model.Snapshot) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for id, ch := range r.sinks {
		select {
		case ch <- s:
			delivered++
			r.sent.Add(1)
		default:
			r.dropped.Add(1)
			r.logger.Warn("sink full, dropping tick",
				"sink", id,
				"window", s.WindowID,
			)
		}
	}
	return delivered
}

// Stats returns delivery counters and the sink count.
type Stats struct {
	Sinks   int
	Sent    int64
	Dropped int64
}

// Stats returns current delivery statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Sinks:   len(r.sinks),
		Sent:    r.sent.Load(),
		Dropped: r.dropped.Load(),
	}
}
