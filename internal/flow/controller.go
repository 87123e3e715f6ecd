// Package flow is the stateless conversation policy engine: it scores
// message safety, detects stalling, and decides when a facilitation
// message should be injected.
package flow

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/ent0n29/duet/internal/session"
)

const (
	safeThreshold       = 0.7
	moderationThreshold = 0.4

	disallowedPenalty = 0.4
	capsPenalty       = 0.15
	degeneratePenalty = 0.3

	capsMinLetters = 12
	capsRatio      = 0.6

	longSessionThreshold = 30 * time.Minute
	interventionCadence  = 10

	flagWindow       = 2
	stallWindow      = 3
	stallShortRunes  = 10
	duplicateWindow  = 4
	duplicateMinHits = 3
)

var disallowedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(kill|hurt|harm)\s+(yourself|urself|himself|herself)\b`),
	regexp.MustCompile(`(?i)\b(send|wire|transfer)\s+(me\s+)?(money|cash|bitcoin|crypto)\b`),
	regexp.MustCompile(`(?i)\b(credit\s*card|bank\s*account|social\s*security)\s*(number|details|info)?\b`),
	regexp.MustCompile(`(?i)\b(you('?re|\s+are)\s+)?(ugly|worthless|pathetic|disgusting)\b`),
	regexp.MustCompile(`(?i)\bi\s+hate\s+you\b`),
	regexp.MustCompile(`(?i)\b(shut\s+up|screw\s+you)\b`),
	regexp.MustCompile(`(?i)\bwhat('?s|\s+is)\s+your\s+(home\s+)?address\b`),
}

var conversationStarters = []string{
	"What's something you've been excited about lately?",
	"If you could spend a whole day doing anything at all, what would it be?",
	"What's a place you've always wanted to visit, and why?",
	"What does a really good weekend look like for you?",
	"What's something small that made you smile recently?",
	"Is there a hobby you've picked up that surprised you?",
}

var redirectPrompts = []string{
	"Here's a thought: what's something you two might have in common that hasn't come up yet?",
	"Let's switch gears. What's a story from this past year you love telling?",
	"Quick question for both of you: early bird or night owl, and does it show?",
	"What's something you're each looking forward to this month?",
	"Tell each other about the best meal you've had recently.",
}

// Assessment is the result of scoring one message for safety.
type Assessment struct {
	Score              float64  `json:"score"`
	Flags              []string `json:"flags,omitempty"`
	Safe               bool     `json:"safe"`
	RequiresModeration bool     `json:"requires_moderation"`
}

// Controller holds the fixed policy tables and a seeded prompt picker. All
// decision methods are pure functions of their inputs.
type Controller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewController() *Controller {
	return &Controller{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewControllerWithSeed pins the prompt picker for tests.
func NewControllerWithSeed(seed int64) *Controller {
	return &Controller{rng: rand.New(rand.NewSource(seed))}
}

// AssessSafety scores text deterministically. A message is safe iff its
// score stays at or above 0.7 after deductions.
func (c *Controller) AssessSafety(text string) Assessment {
	score := 1.0
	var flags []string

	for _, re := range disallowedPatterns {
		if re.MatchString(text) {
			score -= disallowedPenalty
			flags = append(flags, "disallowed_content")
			break
		}
	}

	letters, uppers := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		}
	}
	if letters >= capsMinLetters && float64(uppers)/float64(letters) > capsRatio {
		score -= capsPenalty
		flags = append(flags, "excessive_caps")
	}

	if len([]rune(strings.TrimSpace(text))) < 2 {
		score -= degeneratePenalty
		flags = append(flags, "degenerate_content")
	}

	if score < 0 {
		score = 0
	}
	return Assessment{
		Score:              score,
		Flags:              flags,
		Safe:               score >= safeThreshold,
		RequiresModeration: score < moderationThreshold || containsFlag(flags, "disallowed_content"),
	}
}

// ShouldIntervene decides whether the facilitator injects a message this
// turn, from history and elapsed session time alone.
func (c *Controller) ShouldIntervene(history []session.Message, elapsed time.Duration) bool {
	if len(history) == 0 {
		return true
	}

	// A safety flag raised on the turn just played. A turn appends at most
	// the submission and its counterpart reply, so older flags never
	// re-trigger on later turns.
	for _, m := range tail(history, flagWindow) {
		if len(m.Flags) > 0 {
			return true
		}
	}

	// Long sessions get a periodic nudge.
	if elapsed > longSessionThreshold && len(history)%interventionCadence == 0 {
		return true
	}

	return c.stalling(history)
}

func (c *Controller) stalling(history []session.Message) bool {
	recent := participantTail(history, duplicateWindow)
	if len(recent) < stallWindow {
		return false
	}

	short := 0
	for _, m := range tail(recent, stallWindow) {
		if len([]rune(strings.TrimSpace(m.Content))) < stallShortRunes {
			short++
		}
	}
	if short == stallWindow {
		return true
	}

	seen := map[string]int{}
	for _, m := range recent {
		seen[normalize(m.Content)]++
	}
	for _, n := range seen {
		if n >= duplicateMinHits {
			return true
		}
	}
	return false
}

// ConversationStarter returns an open-ended prompt for an empty session.
func (c *Controller) ConversationStarter() string {
	return c.pick(conversationStarters)
}

// RedirectPrompt returns a steering prompt for a stalling or flagged session.
func (c *Controller) RedirectPrompt() string {
	return c.pick(redirectPrompts)
}

func (c *Controller) pick(pool []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return pool[c.rng.Intn(len(pool))]
}

func tail(msgs []session.Message, n int) []session.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

func participantTail(msgs []session.Message, n int) []session.Message {
	out := make([]session.Message, 0, n)
	for i := len(msgs) - 1; i >= 0 && len(out) < n; i-- {
		if msgs[i].SenderKind == session.SenderParticipant {
			out = append(out, msgs[i])
		}
	}
	// Restore chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
