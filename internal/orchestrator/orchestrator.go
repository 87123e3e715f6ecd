// Package orchestrator drives the per-session lifecycle: it owns message
// admission, invokes the flow controller and compatibility analyzer on
// every turn, and pushes the resulting updates to the broadcast layer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/duet/internal/broadcast"
	"github.com/ent0n29/duet/internal/compat"
	"github.com/ent0n29/duet/internal/flow"
	"github.com/ent0n29/duet/internal/observability"
	"github.com/ent0n29/duet/internal/protocol"
	"github.com/ent0n29/duet/internal/reliability"
	"github.com/ent0n29/duet/internal/reply"
	"github.com/ent0n29/duet/internal/session"
	"github.com/ent0n29/duet/internal/store"
)

const (
	recentHistoryWindow = 10
	replyMaxAttempts    = 2
	replyBackoffBase    = 200 * time.Millisecond
	replyBackoffCap     = time.Second
	persistTimeout      = 5 * time.Second
	facilitatorID       = "facilitator"
)

// StartRequest describes a session to orchestrate. Trait vectors are
// optional; the personality dimension degrades to neutral without them.
type StartRequest struct {
	ParticipantA string             `json:"participant_a"`
	ParticipantB string             `json:"participant_b"`
	Kind         session.Kind       `json:"kind"`
	MaxDuration  time.Duration      `json:"max_duration_ns"`
	TraitsA      map[string]float64 `json:"traits_a,omitempty"`
	TraitsB      map[string]float64 `json:"traits_b,omitempty"`
}

// SubmitResult is the outcome of one accepted message. Compatibility is
// always present; the counterpart reply and facilitation message may be nil.
type SubmitResult struct {
	Accepted         bool             `json:"accepted"`
	Message          session.Message  `json:"message"`
	CounterpartReply *session.Message `json:"counterpart_reply,omitempty"`
	Facilitation     *session.Message `json:"facilitation,omitempty"`
	Compatibility    compat.Update    `json:"compatibility"`
}

type Orchestrator struct {
	registry     *session.Registry
	flow         *flow.Controller
	analyzer     *compat.Analyzer
	generator    reply.Generator
	store        store.Store
	dist         *broadcast.Distributor
	metrics      *observability.Metrics
	log          zerolog.Logger
	replyTimeout time.Duration
	now          func() time.Time
}

func New(
	registry *session.Registry,
	flowCtl *flow.Controller,
	analyzer *compat.Analyzer,
	generator reply.Generator,
	st store.Store,
	dist *broadcast.Distributor,
	metrics *observability.Metrics,
	replyTimeout time.Duration,
	log zerolog.Logger,
) *Orchestrator {
	if replyTimeout <= 0 {
		replyTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		registry:     registry,
		flow:         flowCtl,
		analyzer:     analyzer,
		generator:    generator,
		store:        st,
		dist:         dist,
		metrics:      metrics,
		log:          log.With().Str("component", "orchestrator").Logger(),
		replyTimeout: replyTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	registry.SetExpireHook(o.onExpired)
	return o
}

// Start creates an active session and injects the opening facilitation
// message.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (session.Session, error) {
	a := strings.TrimSpace(req.ParticipantA)
	b := strings.TrimSpace(req.ParticipantB)
	if a == "" || b == "" || a == b {
		return session.Session{}, fmt.Errorf("invalid participants %q/%q", a, b)
	}
	kind := req.Kind
	if kind == "" {
		kind = session.KindMatchmaking
	}

	h, err := o.registry.Create(a, b, kind, req.MaxDuration)
	if err != nil {
		return session.Session{}, err
	}

	now := o.now()
	h.Lock()
	h.Session.Status = session.StatusActive
	h.Session.StartedAt = now
	h.Session.LastActivityAt = now
	h.Session.TraitsA = req.TraitsA
	h.Session.TraitsB = req.TraitsB

	opener := o.newMessage(h.Session.ID, facilitatorID, session.SenderFacilitator, o.flow.ConversationStarter(), nil)
	h.History = append(h.History, opener)
	h.Session.MessageCount++
	snap := h.Snapshot()

	o.dist.Publish(snap.ID, protocol.SessionStartEvent{
		Type:         protocol.TypeSessionStart,
		SessionID:    snap.ID,
		ParticipantA: snap.ParticipantA,
		ParticipantB: snap.ParticipantB,
		Kind:         string(snap.Kind),
		StartedAt:    snap.StartedAt,
	})
	o.publishMessage(opener)
	h.Unlock()

	o.metrics.SessionEvents.WithLabelValues("started").Inc()
	o.metrics.ActiveSessions.Set(float64(o.registry.ActiveCount()))
	o.persistAsync(opener)
	o.log.Info().Str("session_id", snap.ID).Str("kind", string(snap.Kind)).Msg("session started")
	return snap, nil
}

// SubmitMessage is the central operation: admission, append, counterpart
// reply, facilitation, compatibility, broadcast.
func (o *Orchestrator) SubmitMessage(ctx context.Context, sessionID, senderID, text string) (SubmitResult, error) {
	h, err := o.registry.Get(sessionID)
	if err != nil {
		return SubmitResult{}, err
	}

	now := o.now()
	h.Lock()
	switch {
	case h.Session.Status.Terminal():
		h.Unlock()
		return SubmitResult{}, session.ErrNotFound
	case h.Session.Expired(now):
		h.Session.Status = session.StatusCompleted
		h.Session.EndReason = "timeout"
		h.Session.LastActivityAt = now
		snap := h.Snapshot()
		history := h.HistoryCopy()
		h.Unlock()
		o.finalize(snap, history)
		return SubmitResult{}, session.ErrExpired
	case h.Session.Status != session.StatusActive:
		h.Unlock()
		return SubmitResult{}, session.ErrNotActive
	case !h.Session.HasParticipant(senderID):
		h.Unlock()
		return SubmitResult{}, session.ErrNotParticipant
	}

	assessment := o.flow.AssessSafety(text)
	if !assessment.Safe {
		h.Unlock()
		o.metrics.ContentRejections.Inc()
		return SubmitResult{}, &session.ContentRejectedError{Score: assessment.Score, Flags: assessment.Flags}
	}

	msg := o.newMessage(sessionID, senderID, session.SenderParticipant, text, assessment.Flags)
	h.History = append(h.History, msg)
	h.Session.MessageCount++
	h.Session.LastActivityAt = now
	recent := h.Recent(recentHistoryWindow)
	counterpart := h.Session.Counterpart(senderID)
	o.publishMessage(msg)
	h.Unlock()

	// Suspension point: no session lock is held while the external
	// generator runs.
	replyText, replyErr := o.generateReply(ctx, sessionID, counterpart, recent)

	result := SubmitResult{Accepted: true, Message: msg}

	h.Lock()
	if h.Session.Status == session.StatusActive {
		if replyErr == nil && replyText != "" {
			rm := o.newMessage(sessionID, counterpart, session.SenderParticipant, replyText, nil)
			h.History = append(h.History, rm)
			h.Session.MessageCount++
			o.publishMessage(rm)
			result.CounterpartReply = &rm
		} else if replyErr != nil {
			// Degrades to no reply this turn.
			o.log.Warn().Str("session_id", sessionID).Err(replyErr).Msg("counterpart reply unavailable")
			o.metrics.SessionEvents.WithLabelValues("reply_failed").Inc()
		}

		if o.flow.ShouldIntervene(h.History, now.Sub(h.Session.StartedAt)) {
			fm := o.newMessage(sessionID, facilitatorID, session.SenderFacilitator, o.flow.RedirectPrompt(), nil)
			h.History = append(h.History, fm)
			h.Session.MessageCount++
			o.publishMessage(fm)
			result.Facilitation = &fm
		}
	}

	upd := o.analyze(h.History, h.Session.TraitsA, h.Session.TraitsB)
	h.Session.CompatibilityScore = upd.Overall
	o.publishCompatibility(sessionID, upd)
	h.Unlock()

	result.Compatibility = upd
	o.persistAsync(msg)
	if result.CounterpartReply != nil {
		o.persistAsync(*result.CounterpartReply)
	}
	if result.Facilitation != nil {
		o.persistAsync(*result.Facilitation)
	}
	o.metrics.SessionEvents.WithLabelValues("message_accepted").Inc()
	return result, nil
}

// End transitions the session to completed, hands the final report off, and
// removes it from the live registry.
func (o *Orchestrator) End(ctx context.Context, sessionID, reason string) (store.FinalReport, error) {
	h, err := o.registry.Get(sessionID)
	if err != nil {
		return store.FinalReport{}, err
	}

	h.Lock()
	if h.Session.Status.Terminal() {
		h.Unlock()
		return store.FinalReport{}, session.ErrNotFound
	}
	h.Session.Status = session.StatusCompleted
	h.Session.EndReason = reason
	h.Session.LastActivityAt = o.now()
	snap := h.Snapshot()
	history := h.HistoryCopy()
	h.Unlock()

	return o.finalize(snap, history), nil
}

// Abort terminates a non-terminal session immediately.
func (o *Orchestrator) Abort(sessionID, reason string) error {
	h, err := o.registry.Get(sessionID)
	if err != nil {
		return err
	}
	h.Lock()
	if h.Session.Status.Terminal() {
		h.Unlock()
		return session.ErrNotFound
	}
	h.Session.Status = session.StatusTerminated
	h.Session.EndReason = reason
	h.Session.LastActivityAt = o.now()
	snap := h.Snapshot()
	history := h.HistoryCopy()
	h.Unlock()

	o.finalize(snap, history)
	return nil
}

// Fail marks a session as faulted and removes it. Used for unrecoverable
// internal errors.
func (o *Orchestrator) Fail(sessionID, reason string) error {
	h, err := o.registry.Get(sessionID)
	if err != nil {
		return err
	}
	h.Lock()
	if h.Session.Status.Terminal() {
		h.Unlock()
		return session.ErrNotFound
	}
	h.Session.Status = session.StatusError
	h.Session.EndReason = reason
	snap := h.Snapshot()
	history := h.HistoryCopy()
	h.Unlock()

	o.finalize(snap, history)
	return nil
}

// Pause suspends an active session; Resume restores it without resetting
// the duration clock.
func (o *Orchestrator) Pause(sessionID string) error {
	return o.setStatus(sessionID, session.StatusActive, session.StatusPaused)
}

func (o *Orchestrator) Resume(sessionID string) error {
	return o.setStatus(sessionID, session.StatusPaused, session.StatusActive)
}

func (o *Orchestrator) setStatus(sessionID string, from, to session.Status) error {
	h, err := o.registry.Get(sessionID)
	if err != nil {
		return err
	}
	h.Lock()
	if h.Session.Status != from {
		h.Unlock()
		return session.ErrNotActive
	}
	h.Session.Status = to
	h.Session.LastActivityAt = o.now()
	o.dist.Publish(sessionID, protocol.StatusChangeEvent{
		Type:      protocol.TypeStatusChange,
		SessionID: sessionID,
		Status:    string(to),
	})
	h.Unlock()
	o.metrics.SessionEvents.WithLabelValues(string(to)).Inc()
	return nil
}

// Get returns a point-in-time copy of the session.
func (o *Orchestrator) Get(sessionID string) (session.Session, error) {
	h, err := o.registry.Get(sessionID)
	if err != nil {
		return session.Session{}, err
	}
	h.Lock()
	defer h.Unlock()
	return h.Snapshot(), nil
}

// RegisterObserver adds a connection to the session's fan-out set.
func (o *Orchestrator) RegisterObserver(sessionID string, handle broadcast.Handle) error {
	if _, err := o.registry.Get(sessionID); err != nil {
		return err
	}
	o.dist.Register(sessionID, handle)
	return nil
}

func (o *Orchestrator) UnregisterObserver(sessionID, handleID string) {
	o.dist.Unregister(sessionID, handleID)
}

// PublishUserAction forwards a non-message participant action to observers.
func (o *Orchestrator) PublishUserAction(sessionID, userID, action string) {
	o.dist.Publish(sessionID, protocol.UserActionEvent{
		Type:      protocol.TypeUserAction,
		SessionID: sessionID,
		UserID:    userID,
		Action:    action,
	})
}

func (o *Orchestrator) onExpired(snap session.Session, history []session.Message) {
	o.metrics.SessionEvents.WithLabelValues("expired").Inc()
	o.finalize(snap, history)
}

// finalize broadcasts the terminal state, hands the report to persistence,
// and drops the session from the live registry and fan-out sets.
func (o *Orchestrator) finalize(snap session.Session, history []session.Message) store.FinalReport {
	upd := o.analyze(history, snap.TraitsA, snap.TraitsB)
	report := store.FinalReport{
		Session:       snap,
		Compatibility: upd,
		Reason:        snap.EndReason,
		EndedAt:       o.now(),
	}

	o.dist.Publish(snap.ID, protocol.StatusChangeEvent{
		Type:      protocol.TypeStatusChange,
		SessionID: snap.ID,
		Status:    string(snap.Status),
		Reason:    snap.EndReason,
	})
	o.dist.Publish(snap.ID, protocol.SessionEndEvent{
		Type:      protocol.TypeSessionEnd,
		SessionID: snap.ID,
		Reason:    snap.EndReason,
		Overall:   upd.Overall,
		EndedAt:   report.EndedAt,
	})

	o.registry.Remove(snap.ID)
	o.dist.DropSession(snap.ID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.store.FinalizeSession(ctx, report); err != nil {
			o.log.Error().Str("session_id", snap.ID).Err(err).Msg("finalize handoff failed")
		}
	}()

	o.metrics.SessionEvents.WithLabelValues("ended").Inc()
	o.metrics.ActiveSessions.Set(float64(o.registry.ActiveCount()))
	o.log.Info().Str("session_id", snap.ID).Str("reason", snap.EndReason).Msg("session finalized")
	return report
}

// analyze never propagates faults: a panic in the scoring path degrades to
// the neutral update.
func (o *Orchestrator) analyze(history []session.Message, traitsA, traitsB map[string]float64) (upd compat.Update) {
	defer func() {
		if r := recover(); r != nil {
			o.metrics.AnalysisFailures.Inc()
			o.log.Error().Interface("panic", r).Msg("compatibility analysis faulted")
			upd = compat.Neutral()
		}
	}()
	return o.analyzer.Analyze(history, traitsA, traitsB)
}

func (o *Orchestrator) generateReply(ctx context.Context, sessionID, participantID string, recent []session.Message) (string, error) {
	started := o.now()
	var lastErr error
	for attempt := 0; attempt < replyMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt, replyBackoffBase, replyBackoffCap)):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, o.replyTimeout)
		text, err := o.generator.GenerateReply(attemptCtx, sessionID, participantID, recent)
		cancel()
		if err == nil {
			o.metrics.ObserveReplyLatency(o.now().Sub(started))
			return text, nil
		}
		lastErr = err
		if !errors.Is(err, reply.ErrUnavailable) {
			break
		}
	}
	return "", lastErr
}

func (o *Orchestrator) newMessage(sessionID, senderID string, kind session.SenderKind, content string, flags []string) session.Message {
	return session.Message{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		SenderID:     senderID,
		SenderKind:   kind,
		Content:      content,
		Flags:        flags,
		Contribution: o.analyzer.Contribution(content, len(flags) > 0),
		CreatedAt:    o.now(),
	}
}

// publishMessage fans the turn out to observers. Socket traffic is counted
// at the write pump, not here.
func (o *Orchestrator) publishMessage(msg session.Message) {
	o.dist.Publish(msg.SessionID, protocol.MessageEvent{
		Type:      protocol.TypeMessage,
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		Sender:    msg.SenderID,
		Content:   msg.Content,
		Metadata: protocol.MessageMetadata{
			SenderKind:   string(msg.SenderKind),
			Flags:        msg.Flags,
			Contribution: msg.Contribution,
		},
		Timestamp: msg.CreatedAt,
	})
}

func (o *Orchestrator) publishCompatibility(sessionID string, upd compat.Update) {
	refs := make([]protocol.HighlightRef, 0, len(upd.Highlights))
	for _, hl := range upd.Highlights {
		refs = append(refs, protocol.HighlightRef{
			MessageID: hl.MessageID,
			Kind:      hl.Kind,
			Excerpt:   hl.Excerpt,
		})
	}
	o.dist.Publish(sessionID, protocol.CompatibilityEvent{
		Type:       protocol.TypeCompatibility,
		SessionID:  sessionID,
		Overall:    upd.Overall,
		Dimensions: upd.Dimensions,
		Trend:      string(upd.Trend),
		Insights:   upd.Insights,
		Highlights: refs,
	})
}

func (o *Orchestrator) persistAsync(msg session.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.store.AppendMessage(ctx, msg); err != nil {
			o.log.Error().Str("session_id", msg.SessionID).Err(err).Msg("message persistence failed")
		}
	}()
}
