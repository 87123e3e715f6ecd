package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies websocket payload variants.
type EventType string

const (
	// Inbound (client -> engine).
	TypePing        EventType = "ping"
	TypeUserMessage EventType = "user_message"

	// Outbound (engine -> client).
	TypeConnectionEstablished EventType = "connection_established"
	TypePong                  EventType = "pong"
	TypeMessage               EventType = "message"
	TypeCompatibility         EventType = "compatibility"
	TypeStatusChange          EventType = "status_change"
	TypeUserAction            EventType = "user_action"
	TypeSessionStart          EventType = "session_start"
	TypeSessionEnd            EventType = "session_end"
	TypeError                 EventType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type EventType `json:"type"`
}

type Ping struct {
	Type EventType `json:"type"`
}

type UserMessage struct {
	Type    EventType `json:"type"`
	Content string    `json:"content"`
}

type ConnectionEstablished struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Pong struct {
	Type EventType `json:"type"`
}

// MessageMetadata carries content classification attached to a turn.
type MessageMetadata struct {
	SenderKind   string   `json:"sender_kind"`
	Flags        []string `json:"flags,omitempty"`
	Contribution float64  `json:"contribution"`
}

type MessageEvent struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id"`
	Sender    string          `json:"sender"`
	Content   string          `json:"content"`
	Metadata  MessageMetadata `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
}

type HighlightRef struct {
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
	Excerpt   string `json:"excerpt"`
}

type CompatibilityEvent struct {
	Type       EventType          `json:"type"`
	SessionID  string             `json:"session_id"`
	Overall    float64            `json:"overall"`
	Dimensions map[string]float64 `json:"dimensions"`
	Trend      string             `json:"trend"`
	Insights   []string           `json:"insights"`
	Highlights []HighlightRef     `json:"highlights"`
}

type StatusChangeEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
}

type UserActionEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
}

type SessionStartEvent struct {
	Type         EventType `json:"type"`
	SessionID    string    `json:"session_id"`
	ParticipantA string    `json:"participant_a"`
	ParticipantB string    `json:"participant_b"`
	Kind         string    `json:"kind"`
	StartedAt    time.Time `json:"started_at"`
}

type SessionEndEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Overall   float64   `json:"overall"`
	EndedAt   time.Time `json:"ended_at"`
}

type ErrorEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Code      string    `json:"code"`
	Detail    string    `json:"detail"`
}

// ParseClientMessage decodes an inbound client payload into its typed form.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePing:
		return Ping{Type: TypePing}, nil
	case TypeUserMessage:
		var msg UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Content == "" {
			return nil, errors.New("invalid user_message: empty content")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the event type of any protocol struct, for metrics labels.
func TypeOf(v any) (EventType, bool) {
	switch m := v.(type) {
	case Ping:
		return m.Type, true
	case UserMessage:
		return m.Type, true
	case ConnectionEstablished:
		return m.Type, true
	case Pong:
		return m.Type, true
	case MessageEvent:
		return m.Type, true
	case CompatibilityEvent:
		return m.Type, true
	case StatusChangeEvent:
		return m.Type, true
	case UserActionEvent:
		return m.Type, true
	case SessionStartEvent:
		return m.Type, true
	case SessionEndEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
