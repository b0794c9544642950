// Package transcript post-processes raw transcription text before it reaches
// wake-word detection.
//
// Speech-recognition models hallucinate short stock phrases ("thank you",
// "thanks for watching") on near-silent or noisy audio. [Filter] drops those
// transcripts. The phrase list and the length floor are plain configuration:
// they are heuristics, not correctness requirements, and operators are expected
// to tune them per model.
package transcript

import (
	"strings"
	"unicode/utf8"
)

// DefaultPhrases is the stock hallucination list for Whisper-family models.
var DefaultPhrases = []string{
	"thank you", "you", "okay", "thanks for watching", "thanks for watching!",
	"thank you for watching", "thank you for watching!", "thanks",
	"obrigado", "gracias", "merci", "danke",
	".", "..", "...",
	"um", "uh", "oh", "yeah", "yes", "no",
	"hi", "hello", "bye", "goodbye",
}

// DefaultMinLength is the length (in characters) at or below which a
// transcript is treated as noise.
const DefaultMinLength = 2

// Rejection reasons reported by [Filter.Check].
const (
	ReasonEmpty         = "empty"
	ReasonTooShort      = "too_short"
	ReasonHallucination = "hallucination"
)

// Config controls a Filter.
type Config struct {
	// Disabled passes every non-empty transcript through unchanged.
	Disabled bool

	// Phrases are compared case-insensitively against the whole transcript,
	// with and without trailing punctuation. Nil means [DefaultPhrases]; an
	// empty non-nil slice disables phrase matching.
	Phrases []string

	// MinLength drops transcripts of at most this many characters. Zero means
	// [DefaultMinLength]; a negative value disables the check.
	MinLength int
}

// Filter drops transcripts that are most likely model hallucinations.
// A Filter is immutable and safe for concurrent use.
type Filter struct {
	disabled  bool
	phrases   map[string]struct{}
	minLength int
}

// NewFilter builds a Filter from cfg.
func NewFilter(cfg Config) *Filter {
	phrases := cfg.Phrases
	if phrases == nil {
		phrases = DefaultPhrases
	}
	f := &Filter{
		disabled:  cfg.Disabled,
		phrases:   make(map[string]struct{}, len(phrases)),
		minLength: cfg.MinLength,
	}
	if f.minLength == 0 {
		f.minLength = DefaultMinLength
	}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			f.phrases[p] = struct{}{}
		}
	}
	return f
}

// Clean trims text and reports whether it should be kept.
func (f *Filter) Clean(text string) (string, bool) {
	cleaned, reason := f.Check(text)
	return cleaned, reason == ""
}

// Check trims text and returns the rejection reason, or "" when the text is
// kept.
func (f *Filter) Check(text string) (string, string) {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return "", ReasonEmpty
	}
	if f.disabled {
		return cleaned, ""
	}

	lower := strings.ToLower(cleaned)
	if _, ok := f.phrases[lower]; ok {
		return cleaned, ReasonHallucination
	}
	bare := strings.TrimRight(lower, ".,!?;: ")
	if bare == "" {
		return cleaned, ReasonEmpty
	}
	if _, ok := f.phrases[bare]; ok {
		return cleaned, ReasonHallucination
	}
	if f.minLength > 0 && utf8.RuneCountInString(lower) <= f.minLength {
		return cleaned, ReasonTooShort
	}
	return cleaned, ""
}
