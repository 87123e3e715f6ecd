package compat

import "strings"

// TextClassifier detects conversational markers in raw text. The scoring
// pipeline only ever talks to this interface so the keyword tables can be
// swapped for a model-backed classifier without touching aggregation.
type TextClassifier interface {
	HasInterest(text string) bool
	HasValueLanguage(text string) bool
	HasAgreement(text string) bool
	HasEmotion(text string) bool
	HasEmpathy(text string) bool
	IsQuestion(text string) bool
}

var (
	interestMarkers = []string{
		"love", "enjoy", "favorite", "favourite", "passion", "hobby",
		"excited", "awesome", "amazing", "fun", "interesting", "fascinating",
	}
	valueMarkers = []string{
		"believe", "important", "value", "matters to me", "principle",
		"honest", "honesty", "family", "care about", "priority",
	}
	agreementMarkers = []string{
		"agree", "me too", "same here", "exactly", "absolutely",
		"definitely", "totally", "so true", "couldn't agree more", "yes!",
	}
	emotionMarkers = []string{
		"feel", "felt", "happy", "sad", "excited", "nervous", "scared",
		"joy", "miss", "lonely", "grateful", "proud", "anxious",
	}
	empathyMarkers = []string{
		"understand", "that makes sense", "i hear you", "sorry to hear",
		"must have been", "i can imagine", "sounds like", "that's tough",
		"i get that",
	}
)

// KeywordClassifier is the default marker detector: case-insensitive
// substring matching against fixed keyword tables.
type KeywordClassifier struct{}

func NewKeywordClassifier() KeywordClassifier { return KeywordClassifier{} }

func (KeywordClassifier) HasInterest(text string) bool {
	return matchAny(text, interestMarkers)
}

func (KeywordClassifier) HasValueLanguage(text string) bool {
	return matchAny(text, valueMarkers)
}

func (KeywordClassifier) HasAgreement(text string) bool {
	return matchAny(text, agreementMarkers)
}

func (KeywordClassifier) HasEmotion(text string) bool {
	return matchAny(text, emotionMarkers)
}

func (KeywordClassifier) HasEmpathy(text string) bool {
	return matchAny(text, empathyMarkers)
}

func (KeywordClassifier) IsQuestion(text string) bool {
	return strings.Contains(text, "?")
}

func matchAny(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
