// Package reply defines the text-generation collaborator boundary. The
// engine only depends on the Generator contract; failures degrade to "no
// reply this turn" in the orchestrator.
package reply

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/ent0n29/duet/internal/session"
)

// ErrUnavailable marks transient generator failures worth one retry.
var ErrUnavailable = errors.New("reply generator unavailable")

// Generator produces the counterpart's next turn from recent history.
type Generator interface {
	GenerateReply(ctx context.Context, sessionID, participantID string, recent []session.Message) (string, error)
}

var scriptedLines = []string{
	"That sounds wonderful, tell me more about it!",
	"Oh interesting, I've always wanted to try that. What got you into it?",
	"I totally get that. What's been the best part so far?",
	"Same here! It's funny how much we have in common.",
	"I love that. How did it make you feel?",
	"That makes sense. I had a similar experience last year.",
}

// ScriptedGenerator returns canned conversational replies. Used when no
// real backend is configured and in tests.
type ScriptedGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewScriptedGenerator(seed int64) *ScriptedGenerator {
	return &ScriptedGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *ScriptedGenerator) GenerateReply(ctx context.Context, _, _ string, _ []session.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return scriptedLines[g.rng.Intn(len(scriptedLines))], nil
}
