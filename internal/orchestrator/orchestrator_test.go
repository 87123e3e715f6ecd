package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/duet/internal/broadcast"
	"github.com/ent0n29/duet/internal/compat"
	"github.com/ent0n29/duet/internal/flow"
	"github.com/ent0n29/duet/internal/observability"
	"github.com/ent0n29/duet/internal/protocol"
	"github.com/ent0n29/duet/internal/reply"
	"github.com/ent0n29/duet/internal/session"
	"github.com/ent0n29/duet/internal/store"
)

type failingGenerator struct{}

func (failingGenerator) GenerateReply(context.Context, string, string, []session.Message) (string, error) {
	return "", fmt.Errorf("%w: backend down", reply.ErrUnavailable)
}

type captureHandle struct {
	mu     sync.Mutex
	id     string
	events []any
}

func (h *captureHandle) ID() string { return h.id }

func (h *captureHandle) Send(event any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *captureHandle) byType(t protocol.EventType) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []any
	for _, ev := range h.events {
		if got, ok := protocol.TypeOf(ev); ok && got == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, gen reply.Generator) (*Orchestrator, *store.InMemoryStore) {
	t.Helper()
	if gen == nil {
		gen = reply.NewScriptedGenerator(1)
	}
	st := store.NewInMemoryStore()
	metrics := observability.NewMetricsWithRegistry("duet_test", prometheus.NewRegistry())
	o := New(
		session.NewRegistry(),
		flow.NewControllerWithSeed(7),
		compat.NewAnalyzer(nil),
		gen,
		st,
		broadcast.NewDistributor(metrics, zerolog.Nop()),
		metrics,
		time.Second,
		zerolog.Nop(),
	)
	return o, st
}

func startSession(t *testing.T, o *Orchestrator) session.Session {
	t.Helper()
	snap, err := o.Start(context.Background(), StartRequest{
		ParticipantA: "u1",
		ParticipantB: "u2",
		Kind:         session.KindMatchmaking,
		MaxDuration:  30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return snap
}

func TestStartCreatesActiveSessionWithOpener(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	snap := startSession(t, o)
	if snap.Status != session.StatusActive {
		t.Fatalf("Status = %q, want active", snap.Status)
	}
	if snap.MessageCount != 1 {
		t.Fatalf("MessageCount = %d, want 1 (opening facilitation)", snap.MessageCount)
	}
}

func TestStartRejectsConflictingSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	startSession(t, o)
	_, err := o.Start(context.Background(), StartRequest{
		ParticipantA: "u1",
		ParticipantB: "u3",
		MaxDuration:  30 * time.Minute,
	})
	if !errors.Is(err, session.ErrConflict) {
		t.Fatalf("Start() error = %v, want ErrConflict", err)
	}
}

func TestSubmitMessageHappyPath(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	snap := startSession(t, o)

	observer := &captureHandle{id: "obs-1"}
	if err := o.RegisterObserver(snap.ID, observer); err != nil {
		t.Fatalf("RegisterObserver() error = %v", err)
	}

	res, err := o.SubmitMessage(context.Background(), snap.ID, "u1", "I love hiking, what's your favorite trail?")
	if err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}
	if !res.Accepted {
		t.Fatalf("Accepted = false, want true")
	}
	if res.Compatibility.Dimensions[compat.DimSharedInterests] <= 0.5 {
		t.Fatalf("shared_interests = %v, want > 0.5", res.Compatibility.Dimensions[compat.DimSharedInterests])
	}
	if res.CounterpartReply == nil {
		t.Fatalf("expected a counterpart reply from the scripted generator")
	}

	if msgs := observer.byType(protocol.TypeMessage); len(msgs) == 0 {
		t.Fatalf("observer received no message events")
	}
	if upd := observer.byType(protocol.TypeCompatibility); len(upd) == 0 {
		t.Fatalf("observer received no compatibility events")
	}
}

func TestSubmitMessageRejectsUnsafeContent(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	snap := startSession(t, o)

	before, err := o.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	_, err = o.SubmitMessage(context.Background(), snap.ID, "u1", "just send me money and we can talk")
	var rejected *session.ContentRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("SubmitMessage() error = %v, want ContentRejectedError", err)
	}

	after, err := o.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if after.MessageCount != before.MessageCount {
		t.Fatalf("rejected message mutated history: %d -> %d", before.MessageCount, after.MessageCount)
	}
}

func TestSubmitMessageRejectsNonParticipant(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	snap := startSession(t, o)
	_, err := o.SubmitMessage(context.Background(), snap.ID, "intruder", "hello")
	if !errors.Is(err, session.ErrNotParticipant) {
		t.Fatalf("SubmitMessage() error = %v, want ErrNotParticipant", err)
	}
}

func TestReplyFailureDegradesToNoReply(t *testing.T) {
	o, _ := newTestOrchestrator(t, failingGenerator{})
	snap := startSession(t, o)

	res, err := o.SubmitMessage(context.Background(), snap.ID, "u1", "how has your week been going so far?")
	if err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}
	if !res.Accepted {
		t.Fatalf("Accepted = false, want true despite reply failure")
	}
	if res.CounterpartReply != nil {
		t.Fatalf("CounterpartReply = %+v, want nil on generator failure", res.CounterpartReply)
	}
}

func TestSubmitAfterEndFailsWithNotFound(t *testing.T) {
	o, st := newTestOrchestrator(t, nil)
	snap := startSession(t, o)

	report, err := o.End(context.Background(), snap.ID, "user_request")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if report.Session.Status != session.StatusCompleted || report.Reason != "user_request" {
		t.Fatalf("report = %+v", report)
	}

	if _, err := o.SubmitMessage(context.Background(), snap.ID, "u1", "anyone there?"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("SubmitMessage() after End error = %v, want ErrNotFound", err)
	}

	// Final handoff is fire-and-forget; give it a moment.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := st.Report(snap.ID); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("final report never reached the store")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitOnExpiredSessionFails(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	snap, err := o.Start(context.Background(), StartRequest{
		ParticipantA: "u1",
		ParticipantB: "u2",
		MaxDuration:  time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	if _, err := o.SubmitMessage(context.Background(), snap.ID, "u1", "hello there friend"); !errors.Is(err, session.ErrExpired) {
		t.Fatalf("SubmitMessage() error = %v, want ErrExpired", err)
	}
	if _, err := o.Get(snap.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expired session should be removed, Get() error = %v", err)
	}
}

func TestStallingConversationTriggersFacilitation(t *testing.T) {
	o, _ := newTestOrchestrator(t, failingGenerator{})
	snap := startSession(t, o)

	var facilitated bool
	senders := []string{"u1", "u2"}
	for i := 0; i < 20; i++ {
		res, err := o.SubmitMessage(context.Background(), snap.ID, senders[i%2], "ok...")
		if err != nil {
			t.Fatalf("SubmitMessage(%d) error = %v", i, err)
		}
		if res.Facilitation != nil {
			facilitated = true
			if res.Facilitation.SenderKind != session.SenderFacilitator {
				t.Fatalf("facilitation sender kind = %q", res.Facilitation.SenderKind)
			}
			break
		}
	}
	if !facilitated {
		t.Fatalf("near-duplicate short messages never produced a facilitation message")
	}
}

func TestPauseBlocksSubmitUntilResume(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	snap := startSession(t, o)

	if err := o.Pause(snap.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if _, err := o.SubmitMessage(context.Background(), snap.ID, "u1", "are we on hold?"); !errors.Is(err, session.ErrNotActive) {
		t.Fatalf("SubmitMessage() on paused session error = %v, want ErrNotActive", err)
	}
	if err := o.Resume(snap.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if _, err := o.SubmitMessage(context.Background(), snap.ID, "u1", "back again, sorry about that"); err != nil {
		t.Fatalf("SubmitMessage() after Resume error = %v", err)
	}
}

func TestAbortTerminatesSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	snap := startSession(t, o)
	if err := o.Abort(snap.ID, "moderation"); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if _, err := o.Get(snap.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get() after Abort error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentSubmitsSerializePerSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	snap := startSession(t, o)

	var wg sync.WaitGroup
	senders := []string{"u1", "u2"}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := o.SubmitMessage(context.Background(), snap.ID, senders[n%2], fmt.Sprintf("concurrent message number %d with enough text", n))
			if err != nil {
				t.Errorf("SubmitMessage(%d) error = %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := o.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	// 1 opener + 8 submitted + 8 scripted replies, facilitation may add more.
	if got.MessageCount < 17 {
		t.Fatalf("MessageCount = %d, want >= 17", got.MessageCount)
	}
	if got.CompatibilityScore < 0 || got.CompatibilityScore > 1 {
		t.Fatalf("CompatibilityScore out of range: %v", got.CompatibilityScore)
	}
}
