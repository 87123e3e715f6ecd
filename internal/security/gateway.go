package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/duet/internal/observability"
)

const auditCapacity = 512

// DeniedError is a rate-limit denial. The reason carries the block scope so
// callers can surface an implicit retry-after.
type DeniedError struct {
	Scope  string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s): %s", e.Scope, e.Reason)
}

// AuditEvent is one entry of the security trail.
type AuditEvent struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Identity string    `json:"identity,omitempty"`
	Origin   string    `json:"origin,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Gateway composes the rate limiter and authenticator into a single
// connect/send validation surface and keeps a bounded audit trail of
// security events.
type Gateway struct {
	limiter *RateLimiter
	auth    *Authenticator
	metrics *observability.Metrics
	log     zerolog.Logger

	mu    sync.Mutex
	audit []AuditEvent
}

func NewGateway(limiter *RateLimiter, auth *Authenticator, metrics *observability.Metrics, log zerolog.Logger) *Gateway {
	return &Gateway{
		limiter: limiter,
		auth:    auth,
		metrics: metrics,
		log:     log.With().Str("component", "security_gateway").Logger(),
	}
}

// Connect authenticates the token and admits the connection through the
// limiter. On success the connection is counted until Disconnect.
func (g *Gateway) Connect(token, origin string, required ...string) (*AuthContext, error) {
	authCtx, err := g.auth.Authenticate(token, required...)
	if err != nil {
		g.record(AuditEvent{Kind: "auth_failed", Origin: origin, Reason: err.Error()})
		g.log.Warn().Str("origin", origin).Err(err).Msg("connection authentication failed")
		return nil, err
	}

	if ok, reason := g.limiter.CanConnect(authCtx.Identity, origin); !ok {
		g.record(AuditEvent{Kind: "connection_denied", Identity: authCtx.Identity, Origin: origin, Reason: reason})
		g.metrics.RateLimitDenials.WithLabelValues("connection").Inc()
		g.log.Warn().Str("identity", authCtx.Identity).Str("origin", origin).Str("reason", reason).Msg("connection denied")
		return nil, &DeniedError{Scope: "connection", Reason: reason}
	}

	g.limiter.AddConnection(authCtx.Identity, origin)
	g.record(AuditEvent{Kind: "connection_opened", Identity: authCtx.Identity, Origin: origin})
	return authCtx, nil
}

// Disconnect releases the connection slots held by Connect.
func (g *Gateway) Disconnect(identity, origin string) {
	g.limiter.RemoveConnection(identity, origin)
	g.record(AuditEvent{Kind: "connection_closed", Identity: identity, Origin: origin})
}

// AllowMessage clears a single inbound message through the sliding windows
// and records it on success.
func (g *Gateway) AllowMessage(identity, origin string) error {
	ok, reason := g.limiter.CanSendMessage(identity, origin)
	if !ok {
		g.record(AuditEvent{Kind: "message_denied", Identity: identity, Origin: origin, Reason: reason})
		g.metrics.RateLimitDenials.WithLabelValues("message").Inc()
		g.log.Warn().Str("identity", identity).Str("origin", origin).Str("reason", reason).Msg("message denied")
		return &DeniedError{Scope: "message", Reason: reason}
	}
	g.limiter.RecordMessage(identity, origin)
	return nil
}

// AuditTrail returns a copy of the retained security events, oldest first.
func (g *Gateway) AuditTrail() []AuditEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]AuditEvent, len(g.audit))
	copy(out, g.audit)
	return out
}

func (g *Gateway) record(ev AuditEvent) {
	ev.At = time.Now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audit = append(g.audit, ev)
	if len(g.audit) > auditCapacity {
		g.audit = g.audit[len(g.audit)-auditCapacity:]
	}
}
