package flow

import (
	"testing"
	"time"

	"github.com/ent0n29/duet/internal/session"
)

func participantMsg(content string) session.Message {
	return session.Message{SenderID: "u1", SenderKind: session.SenderParticipant, Content: content}
}

func TestAssessSafetyIsDeterministic(t *testing.T) {
	c := NewController()
	text := "I love hiking, what's your favorite trail?"
	first := c.AssessSafety(text)
	for i := 0; i < 5; i++ {
		got := c.AssessSafety(text)
		if got.Score != first.Score || got.Safe != first.Safe {
			t.Fatalf("assessment changed between calls: %+v vs %+v", got, first)
		}
	}
	if !first.Safe {
		t.Fatalf("benign text assessed unsafe: %+v", first)
	}
}

func TestAssessSafetyFlagsDisallowedContent(t *testing.T) {
	c := NewController()
	got := c.AssessSafety("just send me money and we can talk")
	if got.Safe {
		t.Fatalf("disallowed content assessed safe: %+v", got)
	}
	if !got.RequiresModeration {
		t.Fatalf("disallowed content should require moderation: %+v", got)
	}
	if len(got.Flags) == 0 || got.Flags[0] != "disallowed_content" {
		t.Fatalf("Flags = %v, want disallowed_content", got.Flags)
	}
}

func TestAssessSafetyPenalizesShouting(t *testing.T) {
	c := NewController()
	got := c.AssessSafety("WHY ARE YOU NOT ANSWERING ME RIGHT NOW")
	if got.Score >= 1.0 {
		t.Fatalf("all-caps text should be penalized, score = %v", got.Score)
	}
	if !hasFlag(got.Flags, "excessive_caps") {
		t.Fatalf("Flags = %v, want excessive_caps", got.Flags)
	}
}

func TestAssessSafetyPenalizesDegenerateContent(t *testing.T) {
	c := NewController()
	got := c.AssessSafety(" k ")
	if !hasFlag(got.Flags, "degenerate_content") {
		t.Fatalf("Flags = %v, want degenerate_content", got.Flags)
	}
}

func TestAssessSafetyScoreNeverNegative(t *testing.T) {
	c := NewController()
	got := c.AssessSafety("U")
	if got.Score < 0 || got.Score > 1 {
		t.Fatalf("score out of range: %v", got.Score)
	}
}

func TestShouldInterveneOnEmptyHistory(t *testing.T) {
	c := NewController()
	if !c.ShouldIntervene(nil, 0) {
		t.Fatalf("empty history should trigger intervention")
	}
}

func TestShouldInterveneOnFreshSafetyFlag(t *testing.T) {
	c := NewController()
	history := []session.Message{
		participantMsg("hi there, how has your week been going?"),
		participantMsg("pretty good! busy with work but good overall"),
		{SenderID: "u1", SenderKind: session.SenderParticipant, Content: "WHATEVER", Flags: []string{"excessive_caps"}},
	}
	if !c.ShouldIntervene(history, time.Minute) {
		t.Fatalf("fresh safety flag should trigger intervention")
	}

	// Still fresh when the counterpart reply landed after the flagged turn.
	history = append(history, participantMsg("hey, let's keep it friendly, what happened?"))
	if !c.ShouldIntervene(history, time.Minute) {
		t.Fatalf("flag followed by its reply should still trigger intervention")
	}
}

func TestShouldNotReInterveneOnStaleSafetyFlag(t *testing.T) {
	c := NewController()
	history := []session.Message{
		{SenderID: "u1", SenderKind: session.SenderParticipant, Content: "WHATEVER", Flags: []string{"excessive_caps"}},
		participantMsg("sorry about that, got carried away for a second there"),
		participantMsg("no worries at all, it happens to the best of us"),
	}
	if c.ShouldIntervene(history, time.Minute) {
		t.Fatalf("flag older than the current turn should not re-trigger intervention")
	}
}

func TestShouldInterveneOnStalling(t *testing.T) {
	c := NewController()
	var history []session.Message
	for i := 0; i < 20; i++ {
		history = append(history, participantMsg("ok..."))
	}
	if !c.ShouldIntervene(history, time.Minute) {
		t.Fatalf("near-duplicate short messages should trigger intervention")
	}
}

func TestShouldInterveneCadenceOnLongSessions(t *testing.T) {
	c := NewController()
	var history []session.Message
	for i := 0; i < 10; i++ {
		history = append(history, participantMsg(longVaried(i)))
	}
	if !c.ShouldIntervene(history, 31*time.Minute) {
		t.Fatalf("long session at cadence multiple should trigger intervention")
	}
	if c.ShouldIntervene(history[:9], 31*time.Minute) {
		t.Fatalf("long session off cadence should not trigger intervention")
	}
}

func TestHealthyConversationNoIntervention(t *testing.T) {
	c := NewController()
	history := []session.Message{
		participantMsg("I spent the weekend hiking up near the lake, it was gorgeous"),
		participantMsg("oh nice! I've been meaning to get out there, how long was the trail?"),
		participantMsg("about six miles round trip, totally worth it for the views"),
	}
	if c.ShouldIntervene(history, 5*time.Minute) {
		t.Fatalf("healthy conversation should not trigger intervention")
	}
}

func TestConversationStarterFromPool(t *testing.T) {
	c := NewControllerWithSeed(42)
	got := c.ConversationStarter()
	found := false
	for _, s := range conversationStarters {
		if s == got {
			found = true
		}
	}
	if !found {
		t.Fatalf("starter %q not from fixed pool", got)
	}
}

func longVaried(i int) string {
	base := []string{
		"that reminds me of a trip I took a while back, it was quite the adventure",
		"honestly the best part of my week is usually cooking something new",
		"I have been reading a lot lately, mostly novels and some history",
		"work has been hectic but I finally got a weekend completely free",
	}
	return base[i%len(base)]
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
