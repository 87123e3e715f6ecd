package store

import (
	"context"
	"time"

	"github.com/ent0n29/duet/internal/compat"
	"github.com/ent0n29/duet/internal/session"
)

// FinalReport is the terminal snapshot handed off when a session leaves the
// live registry.
type FinalReport struct {
	Session       session.Session `json:"session"`
	Compatibility compat.Update   `json:"compatibility"`
	Reason        string          `json:"reason"`
	EndedAt       time.Time       `json:"ended_at"`
}

// Store is the persistence collaborator. Calls are fire-and-forget from the
// engine's perspective: the message path never blocks on durability.
type Store interface {
	AppendMessage(ctx context.Context, msg session.Message) error
	FinalizeSession(ctx context.Context, report FinalReport) error
	Close() error
}
