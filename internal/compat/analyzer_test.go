package compat

import (
	"fmt"
	"testing"
	"time"

	"github.com/ent0n29/duet/internal/session"
)

func turn(sender, content string, at time.Time, contribution float64) session.Message {
	return session.Message{
		ID:           sender + "-" + content[:min(8, len(content))],
		SenderID:     sender,
		SenderKind:   session.SenderParticipant,
		Content:      content,
		Contribution: contribution,
		CreatedAt:    at,
	}
}

func TestAnalyzeScoresAlwaysInRange(t *testing.T) {
	a := NewAnalyzer(nil)
	base := time.Now().UTC()

	histories := [][]session.Message{
		nil,
		{turn("u1", "hey", base, 0.5)},
		{
			turn("u1", "I LOVE THIS I LOVE THIS I LOVE THIS", base, 0.9),
			turn("u2", "love love love amazing awesome fun", base.Add(time.Second), 0.9),
			turn("u1", "absolutely agree, me too, exactly!", base.Add(2*time.Second), 0.9),
			turn("u2", "I feel so happy, that makes sense", base.Add(3*time.Second), 0.9),
		},
	}
	for i, h := range histories {
		upd := a.Analyze(h, map[string]float64{"openness": 1}, map[string]float64{"openness": 0})
		if upd.Overall < 0 || upd.Overall > 1 {
			t.Fatalf("history %d: overall out of range: %v", i, upd.Overall)
		}
		if len(upd.Dimensions) != 6 {
			t.Fatalf("history %d: dimensions = %d, want 6", i, len(upd.Dimensions))
		}
		for name, score := range upd.Dimensions {
			if score < 0 || score > 1 {
				t.Fatalf("history %d: dimension %s out of range: %v", i, name, score)
			}
		}
	}
}

func TestSharedInterestsRespondsToInterestMarkers(t *testing.T) {
	a := NewAnalyzer(nil)
	history := []session.Message{
		turn("u1", "I love hiking, what's your favorite trail?", time.Now().UTC(), 0.65),
	}
	upd := a.Analyze(history, nil, nil)
	if upd.Dimensions[DimSharedInterests] <= 0.5 {
		t.Fatalf("shared_interests = %v, want > 0.5 for interest-marked message", upd.Dimensions[DimSharedInterests])
	}
}

func TestAnalyzeEmptyHistoryIsNeutral(t *testing.T) {
	a := NewAnalyzer(nil)
	upd := a.Analyze(nil, nil, nil)
	for name, score := range upd.Dimensions {
		if score != 0.5 {
			t.Fatalf("dimension %s = %v, want neutral 0.5 on empty history", name, score)
		}
	}
	if upd.Trend != TrendStable {
		t.Fatalf("trend = %q, want stable", upd.Trend)
	}
}

func TestTrendImprovingOnRisingContributions(t *testing.T) {
	a := NewAnalyzer(nil)
	base := time.Now().UTC()
	var history []session.Message
	scores := []float64{0.3, 0.42, 0.54, 0.66, 0.78, 0.9}
	for i, s := range scores {
		history = append(history, turn(fmt.Sprintf("u%d", i%2+1), fmt.Sprintf("message number %d with some content", i), base.Add(time.Duration(i)*15*time.Second), s))
	}
	upd := a.Analyze(history, nil, nil)
	if upd.Trend != TrendImproving {
		t.Fatalf("trend = %q, want improving", upd.Trend)
	}
}

func TestTrendStableOnFlatContributions(t *testing.T) {
	a := NewAnalyzer(nil)
	base := time.Now().UTC()
	var history []session.Message
	for i := 0; i < 6; i++ {
		history = append(history, turn(fmt.Sprintf("u%d", i%2+1), fmt.Sprintf("steady message %d", i), base.Add(time.Duration(i)*15*time.Second), 0.5))
	}
	upd := a.Analyze(history, nil, nil)
	if upd.Trend != TrendStable {
		t.Fatalf("trend = %q, want stable", upd.Trend)
	}
}

func TestTrendDecliningOnFallingContributions(t *testing.T) {
	a := NewAnalyzer(nil)
	base := time.Now().UTC()
	var history []session.Message
	scores := []float64{0.9, 0.8, 0.7, 0.4, 0.3, 0.2}
	for i, s := range scores {
		history = append(history, turn("u1", fmt.Sprintf("fading message %d", i), base.Add(time.Duration(i)*15*time.Second), s))
	}
	if upd := a.Analyze(history, nil, nil); upd.Trend != TrendDeclining {
		t.Fatalf("trend = %q, want declining", upd.Trend)
	}
}

func TestInsightsCappedAtThree(t *testing.T) {
	a := NewAnalyzer(nil)
	base := time.Now().UTC()
	// A rich exchange pushes several dimensions to the extremes.
	history := []session.Message{
		turn("u1", "I love hiking and I feel so happy outdoors, what about you?", base, 0.8),
		turn("u2", "me too, absolutely! I can imagine how fun that is", base.Add(15*time.Second), 0.8),
		turn("u1", "honesty is so important to me, family matters a lot", base.Add(30*time.Second), 0.8),
		turn("u2", "I totally agree, same here!", base.Add(45*time.Second), 0.8),
	}
	upd := a.Analyze(history, nil, nil)
	if len(upd.Insights) > 3 {
		t.Fatalf("insights = %d, want at most 3", len(upd.Insights))
	}
}

func TestHighlightsRankEmotionAboveInterest(t *testing.T) {
	a := NewAnalyzer(nil)
	base := time.Now().UTC()
	history := []session.Message{
		turn("u1", "my favorite hobby is climbing", base, 0.65),
		turn("u2", "I felt so proud finishing my first race", base.Add(15*time.Second), 0.6),
	}
	upd := a.Analyze(history, nil, nil)
	if len(upd.Highlights) < 2 {
		t.Fatalf("highlights = %d, want >= 2", len(upd.Highlights))
	}
	if upd.Highlights[0].Kind != "emotional_moment" {
		t.Fatalf("first highlight kind = %q, want emotional_moment", upd.Highlights[0].Kind)
	}
}

func TestHighlightsCappedAtFive(t *testing.T) {
	a := NewAnalyzer(nil)
	base := time.Now().UTC()
	var history []session.Message
	for i := 0; i < 10; i++ {
		history = append(history, turn("u1", fmt.Sprintf("I love round %d of this", i), base.Add(time.Duration(i)*10*time.Second), 0.65))
	}
	upd := a.Analyze(history, nil, nil)
	if len(upd.Highlights) > 5 {
		t.Fatalf("highlights = %d, want at most 5", len(upd.Highlights))
	}
}

func TestPersonalityMatchRules(t *testing.T) {
	similar := personalityMatch(
		map[string]float64{"agreeableness": 0.8},
		map[string]float64{"agreeableness": 0.8},
	)
	if similar != 1.0 {
		t.Fatalf("identical agreeableness = %v, want 1.0", similar)
	}

	complementary := personalityMatch(
		map[string]float64{"extraversion": 0.9},
		map[string]float64{"extraversion": 0.4},
	)
	identical := personalityMatch(
		map[string]float64{"extraversion": 0.9},
		map[string]float64{"extraversion": 0.9},
	)
	if complementary <= identical {
		t.Fatalf("moderate extraversion gap (%v) should beat identical (%v)", complementary, identical)
	}

	if got := personalityMatch(nil, map[string]float64{"openness": 0.5}); got != 0.5 {
		t.Fatalf("missing traits = %v, want neutral 0.5", got)
	}
}

func TestContributionRespondsToMarkers(t *testing.T) {
	a := NewAnalyzer(nil)
	plain := a.Contribution("the weather is fine today", false)
	warm := a.Contribution("I love this, totally agree!", false)
	if warm <= plain {
		t.Fatalf("marked message contribution (%v) should exceed plain (%v)", warm, plain)
	}
	flagged := a.Contribution("the weather is fine today", true)
	if flagged >= plain {
		t.Fatalf("flagged contribution (%v) should be below plain (%v)", flagged, plain)
	}
	for _, v := range []float64{plain, warm, flagged} {
		if v < 0 || v > 1 {
			t.Fatalf("contribution out of range: %v", v)
		}
	}
}

func TestNeutralUpdateShape(t *testing.T) {
	upd := Neutral()
	if upd.Overall != 0.5 || upd.Trend != TrendStable {
		t.Fatalf("neutral update = %+v", upd)
	}
	if len(upd.Dimensions) != 6 {
		t.Fatalf("neutral dimensions = %d, want 6", len(upd.Dimensions))
	}
}
