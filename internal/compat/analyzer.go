// Package compat scores ongoing two-party compatibility from message
// history and participant trait vectors. The analyzer is stateless; every
// call recomputes the full update from scratch.
package compat

import (
	"math"

	"github.com/ent0n29/duet/internal/session"
)

// Dimension names, fixed so callers and the wire contract can key on them.
const (
	DimCommunication       = "communication"
	DimSharedInterests     = "shared_interests"
	DimValueAlignment      = "value_alignment"
	DimEmotionalConnection = "emotional_connection"
	DimConversationalFlow  = "conversational_flow"
	DimPersonalityMatch    = "personality_match"
)

var dimensionOrder = []string{
	DimCommunication,
	DimSharedInterests,
	DimValueAlignment,
	DimEmotionalConnection,
	DimConversationalFlow,
	DimPersonalityMatch,
}

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

const (
	neutralScore   = 0.5
	trendEpsilon   = 0.1
	trendMinSample = 4

	interestTargetDensity = 0.3

	insightHigh = 0.8
	insightLow  = 0.4
	maxInsights = 3

	maxHighlights  = 5
	excerptMaxRune = 80

	optimalLatencyLow  = 10.0
	optimalLatencyHigh = 30.0
	questionBandLow    = 0.2
	questionBandHigh   = 0.4
)

// Highlight references a notable moment in the history.
type Highlight struct {
	MessageID string `json:"message_id"`
	Index     int    `json:"index"`
	Kind      string `json:"kind"`
	Excerpt   string `json:"excerpt"`
}

// Update is the full derived compatibility picture. It is recomputed on
// demand and never stored.
type Update struct {
	Overall    float64            `json:"overall"`
	Dimensions map[string]float64 `json:"dimensions"`
	Trend      Trend              `json:"trend"`
	Insights   []string           `json:"insights"`
	Highlights []Highlight        `json:"highlights"`
}

// Neutral is the degraded update used when analysis faults.
func Neutral() Update {
	dims := make(map[string]float64, len(dimensionOrder))
	for _, d := range dimensionOrder {
		dims[d] = neutralScore
	}
	return Update{
		Overall:    neutralScore,
		Dimensions: dims,
		Trend:      TrendStable,
		Insights:   []string{},
		Highlights: []Highlight{},
	}
}

type Analyzer struct {
	classifier TextClassifier
}

// NewAnalyzer builds an analyzer; a nil classifier falls back to the
// keyword tables.
func NewAnalyzer(classifier TextClassifier) *Analyzer {
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}
	return &Analyzer{classifier: classifier}
}

// Analyze computes all six dimensions, the overall mean, trend, insights
// and highlights. Dimensions with insufficient data score neutral 0.5 so
// the overall mean is always well defined.
func (a *Analyzer) Analyze(history []session.Message, traitsA, traitsB map[string]float64) Update {
	turns := participantTurns(history)

	dims := map[string]float64{
		DimCommunication:       a.communication(turns),
		DimSharedInterests:     a.sharedInterests(turns),
		DimValueAlignment:      a.valueAlignment(turns),
		DimEmotionalConnection: a.emotionalConnection(turns),
		DimConversationalFlow:  a.conversationalFlow(turns),
		DimPersonalityMatch:    personalityMatch(traitsA, traitsB),
	}

	sum := 0.0
	for _, d := range dimensionOrder {
		dims[d] = clamp(dims[d])
		sum += dims[d]
	}

	return Update{
		Overall:    clamp(sum / float64(len(dimensionOrder))),
		Dimensions: dims,
		Trend:      trend(turns),
		Insights:   insights(dims),
		Highlights: a.highlights(turns),
	}
}

// Contribution scores a single message's compatibility contribution, set
// once at append time and used later for trend classification.
func (a *Analyzer) Contribution(text string, flagged bool) float64 {
	score := neutralScore
	if a.classifier.HasInterest(text) {
		score += 0.15
	}
	if a.classifier.HasAgreement(text) {
		score += 0.15
	}
	if a.classifier.HasEmotion(text) {
		score += 0.1
	}
	if a.classifier.HasEmpathy(text) {
		score += 0.1
	}
	if flagged {
		score -= 0.2
	}
	return clamp(score)
}

// communication penalizes high variance in message length and rewards
// balanced turn-taking between the two senders.
func (a *Analyzer) communication(turns []session.Message) float64 {
	if len(turns) < 4 {
		return neutralScore
	}

	mean := 0.0
	for _, m := range turns {
		mean += float64(len([]rune(m.Content)))
	}
	mean /= float64(len(turns))
	variance := 0.0
	for _, m := range turns {
		d := float64(len([]rune(m.Content))) - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(turns)))
	lengthScore := 1.0
	if mean > 0 {
		lengthScore = clamp(1 - std/mean)
	}

	counts := map[string]int{}
	for _, m := range turns {
		counts[m.SenderID]++
	}
	balance := 0.0
	if len(counts) >= 2 {
		minC, maxC := math.MaxInt32, 0
		for _, n := range counts {
			if n < minC {
				minC = n
			}
			if n > maxC {
				maxC = n
			}
		}
		balance = float64(minC) / float64(maxC)
	}

	return clamp(0.5*lengthScore + 0.5*balance)
}

// sharedInterests is the fraction of turns carrying interest markers,
// normalized against a target density.
func (a *Analyzer) sharedInterests(turns []session.Message) float64 {
	if len(turns) == 0 {
		return neutralScore
	}
	hits := 0
	for _, m := range turns {
		if a.classifier.HasInterest(m.Content) {
			hits++
		}
	}
	density := float64(hits) / float64(len(turns))
	return clamp(density / interestTargetDensity)
}

// valueAlignment: among turns with value language, the fraction followed by
// an agreement response.
func (a *Analyzer) valueAlignment(turns []session.Message) float64 {
	valueTurns, agreed := 0, 0
	for i, m := range turns {
		if !a.classifier.HasValueLanguage(m.Content) {
			continue
		}
		valueTurns++
		if i+1 < len(turns) && a.classifier.HasAgreement(turns[i+1].Content) {
			agreed++
		}
	}
	if valueTurns == 0 {
		return neutralScore
	}
	return clamp(float64(agreed) / float64(valueTurns))
}

// emotionalConnection: among turns with emotion markers, the fraction
// immediately answered with empathy.
func (a *Analyzer) emotionalConnection(turns []session.Message) float64 {
	emotional, echoed := 0, 0
	for i, m := range turns {
		if !a.classifier.HasEmotion(m.Content) {
			continue
		}
		emotional++
		if i+1 < len(turns) && a.classifier.HasEmpathy(turns[i+1].Content) {
			echoed++
		}
	}
	if emotional == 0 {
		return neutralScore
	}
	return clamp(float64(echoed) / float64(emotional))
}

// conversationalFlow rewards response latency in the optimal 10-30 second
// band and a question ratio between 20% and 40%.
func (a *Analyzer) conversationalFlow(turns []session.Message) float64 {
	if len(turns) < 2 {
		return neutralScore
	}

	gapScore, gaps := 0.0, 0
	for i := 1; i < len(turns); i++ {
		if turns[i].SenderID == turns[i-1].SenderID {
			continue
		}
		gaps++
		g := turns[i].CreatedAt.Sub(turns[i-1].CreatedAt).Seconds()
		switch {
		case g >= optimalLatencyLow && g <= optimalLatencyHigh:
			gapScore += 1.0
		case g >= 3 && g < 60:
			gapScore += 0.6
		default:
			gapScore += 0.3
		}
	}
	latency := neutralScore
	if gaps > 0 {
		latency = gapScore / float64(gaps)
	}

	questions := 0
	for _, m := range turns {
		if a.classifier.IsQuestion(m.Content) {
			questions++
		}
	}
	ratio := float64(questions) / float64(len(turns))
	questionScore := 1.0
	if ratio < questionBandLow {
		questionScore = 1 - math.Min(1, (questionBandLow-ratio)/questionBandLow)
	} else if ratio > questionBandHigh {
		questionScore = 1 - math.Min(1, (ratio-questionBandHigh)/(1-questionBandHigh))
	}

	return clamp(0.5*latency + 0.5*questionScore)
}

// personalityMatch compares Big-Five style trait vectors. Similarity is
// rewarded for agreeableness and conscientiousness, a moderate difference
// is rewarded for extraversion, and a dampened-difference rule covers the
// rest.
func personalityMatch(traitsA, traitsB map[string]float64) float64 {
	if len(traitsA) == 0 || len(traitsB) == 0 {
		return neutralScore
	}
	sum, n := 0.0, 0
	for trait, va := range traitsA {
		vb, ok := traitsB[trait]
		if !ok {
			continue
		}
		n++
		diff := math.Abs(va - vb)
		switch trait {
		case "agreeableness", "conscientiousness":
			sum += 1 - diff
		case "extraversion":
			// Complementarity: a moderate gap scores best.
			sum += 1 - math.Abs(diff-0.5)*2
		default:
			sum += 1 - 0.5*diff
		}
	}
	if n == 0 {
		return neutralScore
	}
	return clamp(sum / float64(n))
}

// trend compares the mean contribution of the recent half of the history
// against the earlier half.
func trend(turns []session.Message) Trend {
	if len(turns) < trendMinSample {
		return TrendStable
	}
	mid := len(turns) / 2
	early := meanContribution(turns[:mid])
	recent := meanContribution(turns[mid:])
	switch {
	case recent-early > trendEpsilon:
		return TrendImproving
	case early-recent > trendEpsilon:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func meanContribution(turns []session.Message) float64 {
	if len(turns) == 0 {
		return neutralScore
	}
	sum := 0.0
	for _, m := range turns {
		sum += m.Contribution
	}
	return sum / float64(len(turns))
}

var highInsights = map[string]string{
	DimCommunication:       "Communication styles are clicking",
	DimSharedInterests:     "Strong shared interests are emerging",
	DimValueAlignment:      "Core values appear well aligned",
	DimEmotionalConnection: "A real emotional connection is forming",
	DimConversationalFlow:  "The conversation has a natural rhythm",
	DimPersonalityMatch:    "Personalities complement each other well",
}

var lowInsights = map[string]string{
	DimCommunication:       "Communication styles differ noticeably",
	DimSharedInterests:     "Few shared interests have surfaced so far",
	DimValueAlignment:      "Values have not found common ground yet",
	DimEmotionalConnection: "Emotional exchanges are not landing yet",
	DimConversationalFlow:  "The conversation rhythm feels uneven",
	DimPersonalityMatch:    "Personality differences may need navigating",
}

func insights(dims map[string]float64) []string {
	out := make([]string, 0, maxInsights)
	for _, d := range dimensionOrder {
		if len(out) == maxInsights {
			break
		}
		switch {
		case dims[d] >= insightHigh:
			out = append(out, highInsights[d])
		case dims[d] <= insightLow:
			out = append(out, lowInsights[d])
		}
	}
	return out
}

// highlights extracts up to five notable moments, emotional and agreement
// moments ranking above shared-interest ones.
func (a *Analyzer) highlights(turns []session.Message) []Highlight {
	type ranked struct {
		h    Highlight
		rank int
	}
	var found []ranked
	for i, m := range turns {
		switch {
		case a.classifier.HasEmotion(m.Content):
			found = append(found, ranked{Highlight{m.ID, i, "emotional_moment", excerpt(m.Content)}, 0})
		case a.classifier.HasAgreement(m.Content):
			found = append(found, ranked{Highlight{m.ID, i, "agreement", excerpt(m.Content)}, 0})
		case a.classifier.HasInterest(m.Content):
			found = append(found, ranked{Highlight{m.ID, i, "shared_interest", excerpt(m.Content)}, 1})
		}
	}

	out := make([]Highlight, 0, maxHighlights)
	for rank := 0; rank <= 1 && len(out) < maxHighlights; rank++ {
		for _, f := range found {
			if f.rank == rank && len(out) < maxHighlights {
				out = append(out, f.h)
			}
		}
	}
	return out
}

func participantTurns(history []session.Message) []session.Message {
	out := make([]session.Message, 0, len(history))
	for _, m := range history {
		if m.SenderKind == session.SenderParticipant {
			out = append(out, m)
		}
	}
	return out
}

func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= excerptMaxRune {
		return s
	}
	return string(r[:excerptMaxRune])
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
