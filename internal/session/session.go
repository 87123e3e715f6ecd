package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a session. Transitions are monotonic
// except for the active/paused round trip.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
)

// Terminal reports whether the status triggers registry removal.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated, StatusError:
		return true
	default:
		return false
	}
}

type Kind string

const (
	KindMatchmaking    Kind = "matchmaking"
	KindGuidedScenario Kind = "guided_scenario"
)

type SenderKind string

const (
	SenderParticipant SenderKind = "participant"
	SenderFacilitator SenderKind = "facilitator"
	SenderSystem      SenderKind = "system"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrExpired        = errors.New("session expired")
	ErrConflict       = errors.New("participant already in a live session")
	ErrNotActive      = errors.New("session is not active")
	ErrNotParticipant = errors.New("sender is not a session participant")
)

// ContentRejectedError reports a message that failed the safety assessment.
// The message is never appended to history.
type ContentRejectedError struct {
	Score float64
	Flags []string
}

func (e *ContentRejectedError) Error() string {
	if len(e.Flags) == 0 {
		return fmt.Sprintf("content rejected (safety score %.2f)", e.Score)
	}
	return fmt.Sprintf("content rejected (safety score %.2f): %s", e.Score, strings.Join(e.Flags, ", "))
}

// Session is one live two-party exchange.
type Session struct {
	ID                 string        `json:"session_id"`
	ParticipantA       string        `json:"participant_a"`
	ParticipantB       string        `json:"participant_b"`
	Kind               Kind          `json:"kind"`
	Status             Status        `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	StartedAt          time.Time     `json:"started_at"`
	LastActivityAt     time.Time     `json:"last_activity_at"`
	MaxDuration        time.Duration `json:"max_duration_ns"`
	MessageCount       int           `json:"message_count"`
	CompatibilityScore float64       `json:"compatibility_score"`
	EndReason          string        `json:"end_reason,omitempty"`

	// Optional Big-Five style trait vectors supplied at start time.
	TraitsA map[string]float64 `json:"traits_a,omitempty"`
	TraitsB map[string]float64 `json:"traits_b,omitempty"`
}

// HasParticipant reports whether id is one of the two participants.
func (s *Session) HasParticipant(id string) bool {
	return id == s.ParticipantA || id == s.ParticipantB
}

// Counterpart returns the other participant for id.
func (s *Session) Counterpart(id string) string {
	if id == s.ParticipantA {
		return s.ParticipantB
	}
	return s.ParticipantA
}

// Expired reports whether the session has outlived its configured duration.
func (s *Session) Expired(now time.Time) bool {
	if s.StartedAt.IsZero() || s.MaxDuration <= 0 {
		return false
	}
	return now.Sub(s.StartedAt) > s.MaxDuration
}

// Message is one immutable entry of a session's ordered history.
type Message struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	SenderID     string     `json:"sender_id"`
	SenderKind   SenderKind `json:"sender_kind"`
	Content      string     `json:"content"`
	Flags        []string   `json:"flags,omitempty"`
	Contribution float64    `json:"contribution"`
	CreatedAt    time.Time  `json:"created_at"`
}
