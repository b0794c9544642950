package username

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Method names the cascade stage that produced a match.
type Method int

const (
	// MethodNone is the zero value: no stage produced a match.
	MethodNone Method = iota
	MethodExact
	MethodFuzzy
	MethodPhonetic
	MethodAIFallback
)

// String returns the metric label for m.
func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodExact:
		return "exact"
	case MethodFuzzy:
		return "fuzzy"
	case MethodPhonetic:
		return "phonetic"
	case MethodAIFallback:
		return "ai_fallback"
	default:
		return "unknown"
	}
}

// MatchResult is a resolved username.
type MatchResult struct {
	// Username is the window entry, as stored (lowercase).
	Username string
	Method   Method

	// Score is the phonetic ensemble score. It is zero for other methods.
	Score float64
}

// Matcher is one stage of the resolution cascade. window is a snapshot in
// insertion order; implementations must only return names taken from it.
type Matcher interface {
	AttemptMatch(ctx context.Context, fragment string, window []string) (MatchResult, bool)
}

// DefaultMatchers returns the local stages in priority order: exact, fuzzy
// and phonetic with the default threshold.
func DefaultMatchers() []Matcher {
	return []Matcher{ExactMatcher{}, FuzzyMatcher{}, NewPhoneticMatcher()}
}

// ─── Exact ───────────────────────────────────────────────────────────────────

// ExactMatcher matches on case-insensitive equality.
type ExactMatcher struct{}

var _ Matcher = ExactMatcher{}

// AttemptMatch implements [Matcher].
func (ExactMatcher) AttemptMatch(_ context.Context, fragment string, window []string) (MatchResult, bool) {
	fragment = strings.TrimSpace(fragment)
	for _, name := range window {
		if strings.EqualFold(fragment, name) {
			return MatchResult{Username: name, Method: MethodExact}, true
		}
	}
	return MatchResult{}, false
}

// ─── Fuzzy ───────────────────────────────────────────────────────────────────

// minFuzzyLetters is the shortest letters-only run any fuzzy pattern accepts.
const minFuzzyLetters = 3

// FuzzyMatcher recognises structural transcription patterns. Entries are
// tried in window order and the first entry matching any pattern wins.
// Comparisons use letters only, so digits and separators are ignored:
//
//   - the fragment starts with the entry ("alicejones" for "alice_99");
//   - the entry is "first_second", the fragment starts with first and the
//     rest either starts with second or contains second's letters in order
//     ("igorston" for "igor_stn");
//   - the entry is contained in the fragment.
type FuzzyMatcher struct{}

var _ Matcher = FuzzyMatcher{}

// AttemptMatch implements [Matcher].
func (FuzzyMatcher) AttemptMatch(_ context.Context, fragment string, window []string) (MatchResult, bool) {
	spoken := lettersOnly(strings.ToLower(fragment))
	if spoken == "" {
		return MatchResult{}, false
	}
	for _, name := range window {
		if fuzzyMatch(spoken, strings.ToLower(name)) {
			return MatchResult{Username: name, Method: MethodFuzzy}, true
		}
	}
	return MatchResult{}, false
}

func fuzzyMatch(spoken, name string) bool {
	letters := lettersOnly(name)
	n := utf8.RuneCountInString(letters)
	if n >= minFuzzyLetters && strings.HasPrefix(spoken, letters) {
		return true
	}
	if strings.Contains(name, "_") && underscoreMatch(spoken, name) {
		return true
	}
	return n >= minFuzzyLetters && strings.Contains(spoken, letters)
}

func underscoreMatch(spoken, name string) bool {
	var parts []string
	for _, p := range strings.Split(name, "_") {
		if p != "" {
			parts = append(parts, lettersOnly(p))
		}
	}
	if len(parts) < 2 {
		return false
	}
	first, second := parts[0], parts[1]
	if utf8.RuneCountInString(first) < minFuzzyLetters || !strings.HasPrefix(spoken, first) || utf8.RuneCountInString(second) < 2 {
		return false
	}
	rest := spoken[len(first):]
	if strings.HasPrefix(rest, second) {
		return true
	}
	return utf8.RuneCountInString(rest) >= minFuzzyLetters && isSubsequence(second, rest)
}

// isSubsequence reports whether the runes of sub appear in s in order.
func isSubsequence(sub, s string) bool {
	want := []rune(sub)
	i := 0
	for _, r := range s {
		if i == len(want) {
			break
		}
		if r == want[i] {
			i++
		}
	}
	return i == len(want)
}

func lettersOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return r
		}
		return -1
	}, s)
}
