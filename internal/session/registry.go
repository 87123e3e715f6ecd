package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is one registered session together with its history. The embedded
// mutex serializes all same-session mutation: callers lock the handle before
// reading or writing Session or History, and must not hold it across calls
// that can suspend (reply generation, broadcast to slow consumers is
// non-blocking so it is fine under the lock).
type Handle struct {
	sync.Mutex
	Session Session
	History []Message
}

// Snapshot returns a copy of the session. Callers must hold the handle lock.
func (h *Handle) Snapshot() Session {
	return h.Session
}

// HistoryCopy returns a copy of the ordered history. Callers must hold the
// handle lock.
func (h *Handle) HistoryCopy() []Message {
	out := make([]Message, len(h.History))
	copy(out, h.History)
	return out
}

// Recent returns a copy of the last n history entries. Callers must hold the
// handle lock.
func (h *Handle) Recent(n int) []Message {
	if n <= 0 || n > len(h.History) {
		n = len(h.History)
	}
	out := make([]Message, n)
	copy(out, h.History[len(h.History)-n:])
	return out
}

// Registry is the process-scoped table of live sessions. The registry mutex
// only guards the maps; per-session mutation goes through each Handle's own
// lock so unrelated sessions never contend.
type Registry struct {
	mu            sync.RWMutex
	sessions      map[string]*Handle
	byParticipant map[string]string
	now           func() time.Time
	onExpire      func(Session, []Message)
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:      make(map[string]*Handle),
		byParticipant: make(map[string]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetExpireHook installs a callback invoked (outside all locks) for every
// session the janitor transitions to completed.
func (r *Registry) SetExpireHook(hook func(Session, []Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Create registers a new scheduled session. A participant may appear in at
// most one live session at a time.
func (r *Registry) Create(participantA, participantB string, kind Kind, maxDuration time.Duration) (*Handle, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byParticipant[participantA]; ok {
		return nil, ErrConflict
	}
	if _, ok := r.byParticipant[participantB]; ok {
		return nil, ErrConflict
	}

	h := &Handle{
		Session: Session{
			ID:             uuid.NewString(),
			ParticipantA:   participantA,
			ParticipantB:   participantB,
			Kind:           kind,
			Status:         StatusScheduled,
			CreatedAt:      now,
			LastActivityAt: now,
			MaxDuration:    maxDuration,
		},
	}
	r.sessions[h.Session.ID] = h
	r.byParticipant[participantA] = h.Session.ID
	r.byParticipant[participantB] = h.Session.ID
	return h, nil
}

func (r *Registry) Get(sessionID string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// Remove drops a session from the registry. Callers transition the session
// to a terminal status first.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if r.byParticipant[h.Session.ParticipantA] == sessionID {
		delete(r.byParticipant, h.Session.ParticipantA)
	}
	if r.byParticipant[h.Session.ParticipantB] == sessionID {
		delete(r.byParticipant, h.Session.ParticipantB)
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, h := range r.sessions {
		h.Lock()
		if h.Session.Status == StatusActive {
			count++
		}
		h.Unlock()
	}
	return count
}

// StartJanitor proactively completes expired active sessions; the expiry
// check on submit remains the primary guard.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepExpired()
			}
		}
	}()
}

func (r *Registry) sweepExpired() {
	now := r.now()

	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	hook := r.onExpire
	r.mu.RUnlock()

	for _, h := range handles {
		h.Lock()
		if h.Session.Status != StatusActive || !h.Session.Expired(now) {
			h.Unlock()
			continue
		}
		h.Session.Status = StatusCompleted
		h.Session.EndReason = "timeout"
		h.Session.LastActivityAt = now
		snap := h.Snapshot()
		history := h.HistoryCopy()
		h.Unlock()

		r.Remove(snap.ID)
		if hook != nil {
			hook(snap, history)
		}
	}
}
