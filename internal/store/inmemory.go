package store

import (
	"context"
	"sync"

	"github.com/ent0n29/duet/internal/session"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]session.Message
	reports  map[string]FinalReport
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages: make(map[string][]session.Message),
		reports:  make(map[string]FinalReport),
	}
}

func (s *InMemoryStore) AppendMessage(_ context.Context, msg session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

func (s *InMemoryStore) FinalizeSession(_ context.Context, report FinalReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.Session.ID] = report
	return nil
}

// Messages returns a copy of the stored history for a session.
func (s *InMemoryStore) Messages(sessionID string) []session.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[sessionID]
	out := make([]session.Message, len(arr))
	copy(out, arr)
	return out
}

// Report returns the final report for a session, if one was stored.
func (s *InMemoryStore) Report(sessionID string) (FinalReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[sessionID]
	return r, ok
}

func (s *InMemoryStore) Close() error { return nil }
