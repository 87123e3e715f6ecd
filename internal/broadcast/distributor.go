// Package broadcast fans typed update events out to every connection
// observing a session. Delivery is best-effort per handle: a failed or
// saturated observer is dropped, never propagated to the publisher.
package broadcast

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/duet/internal/observability"
)

// Handle is one observer connection. Send must not block: implementations
// queue into a bounded buffer and return an error when the observer cannot
// keep up or has closed.
type Handle interface {
	ID() string
	Send(event any) error
}

type Distributor struct {
	metrics *observability.Metrics
	log     zerolog.Logger

	mu        sync.RWMutex
	observers map[string]map[string]Handle
}

func NewDistributor(metrics *observability.Metrics, log zerolog.Logger) *Distributor {
	return &Distributor{
		metrics:   metrics,
		log:       log.With().Str("component", "broadcast").Logger(),
		observers: make(map[string]map[string]Handle),
	}
}

// Register adds a handle to a session's fan-out set. Idempotent.
func (d *Distributor) Register(sessionID string, h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.observers[sessionID]
	if !ok {
		set = make(map[string]Handle)
		d.observers[sessionID] = set
	}
	set[h.ID()] = h
}

// Unregister removes a handle from a session's fan-out set. Idempotent.
func (d *Distributor) Unregister(sessionID, handleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.observers[sessionID]
	if !ok {
		return
	}
	delete(set, handleID)
	if len(set) == 0 {
		delete(d.observers, sessionID)
	}
}

// DropSession removes the whole fan-out set for a terminal session.
func (d *Distributor) DropSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.observers, sessionID)
}

// ObserverCount reports the live set size for a session.
func (d *Distributor) ObserverCount(sessionID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.observers[sessionID])
}

// Publish delivers the event to every registered handle for the session.
// Handles that fail to accept the event are logged and dropped.
func (d *Distributor) Publish(sessionID string, event any) int {
	d.mu.RLock()
	set := d.observers[sessionID]
	handles := make([]Handle, 0, len(set))
	for _, h := range set {
		handles = append(handles, h)
	}
	d.mu.RUnlock()

	delivered := 0
	for _, h := range handles {
		if err := h.Send(event); err != nil {
			d.log.Debug().
				Str("session_id", sessionID).
				Str("handle_id", h.ID()).
				Err(err).
				Msg("dropping observer")
			d.metrics.BroadcastDrops.Inc()
			d.Unregister(sessionID, h.ID())
			continue
		}
		delivered++
	}
	return delivered
}
