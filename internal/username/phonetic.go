package username

import (
	"context"
	"math"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// DefaultPhoneticThreshold is the minimum ensemble score accepted by
// [PhoneticMatcher].
const DefaultPhoneticThreshold = 0.6

// Ensemble weights. They sum to 1.
const (
	weightJaroRaw        = 0.3
	weightJaroNormalized = 0.3
	weightLevenshtein    = 0.2
	weightSoundex        = 0.1
	weightMetaphone      = 0.05
	weightDoubleMeta     = 0.05
)

// leet maps digits commonly used as letters, and separators to spaces.
var leet = strings.NewReplacer(
	"1", "i", "3", "e", "4", "a", "5", "s", "7", "t", "0", "o",
	"_", " ", "-", " ", ".", " ",
)

// PhoneticOption configures a [PhoneticMatcher].
type PhoneticOption func(*PhoneticMatcher)

// WithThreshold sets the minimum accepted score. Default: 0.6.
func WithThreshold(t float64) PhoneticOption {
	return func(m *PhoneticMatcher) { m.SetThreshold(t) }
}

// PhoneticMatcher scores every window entry with a weighted ensemble and
// accepts the best one if it reaches the threshold. On equal scores the entry
// that came first in the window wins, so results are reproducible.
//
// The threshold can be changed while the matcher is in use.
type PhoneticMatcher struct {
	threshold atomic.Uint64
}

var _ Matcher = (*PhoneticMatcher)(nil)

// NewPhoneticMatcher returns a matcher using [DefaultPhoneticThreshold]
// unless overridden.
func NewPhoneticMatcher(opts ...PhoneticOption) *PhoneticMatcher {
	m := &PhoneticMatcher{}
	m.SetThreshold(DefaultPhoneticThreshold)
	for _, o := range opts {
		o(m)
	}
	return m
}

// Threshold returns the current acceptance threshold.
func (m *PhoneticMatcher) Threshold() float64 {
	return math.Float64frombits(m.threshold.Load())
}

// SetThreshold replaces the acceptance threshold.
func (m *PhoneticMatcher) SetThreshold(t float64) {
	m.threshold.Store(math.Float64bits(t))
}

// AttemptMatch implements [Matcher].
func (m *PhoneticMatcher) AttemptMatch(_ context.Context, fragment string, window []string) (MatchResult, bool) {
	spoken := strings.ToLower(strings.TrimSpace(fragment))
	if spoken == "" {
		return MatchResult{}, false
	}
	sp := newPhoneticForm(spoken)

	var (
		best      string
		bestScore float64
	)
	for _, name := range window {
		s := sp.score(newPhoneticForm(strings.ToLower(name)))
		if s > bestScore {
			best, bestScore = name, s
		}
	}
	if best == "" || bestScore < m.Threshold() {
		return MatchResult{}, false
	}
	return MatchResult{Username: best, Method: MethodPhonetic, Score: bestScore}, true
}

// Score returns the ensemble similarity of a spoken fragment and a username,
// between 0 and 1.
func Score(spoken, username string) float64 {
	a := newPhoneticForm(strings.ToLower(strings.TrimSpace(spoken)))
	return a.score(newPhoneticForm(strings.ToLower(strings.TrimSpace(username))))
}

// Normalize applies the leet-speak and separator normalisation used by the
// phonetic ensemble: "v1king_k1ng" becomes "viking king".
func Normalize(s string) string {
	return strings.Join(strings.Fields(leet.Replace(s)), " ")
}

// phoneticForm caches the encodings of one string.
type phoneticForm struct {
	raw        string
	normalized string
	soundex    string
	metaphone  string
	altMeta    string
}

func newPhoneticForm(raw string) phoneticForm {
	f := phoneticForm{raw: raw, normalized: Normalize(raw)}
	if f.normalized != "" {
		f.soundex = matchr.Soundex(f.normalized)
		f.metaphone, f.altMeta = matchr.DoubleMetaphone(f.normalized)
	}
	return f
}

func (a phoneticForm) score(b phoneticForm) float64 {
	s := weightJaroRaw * matchr.JaroWinkler(a.raw, b.raw, false)
	s += weightJaroNormalized * matchr.JaroWinkler(a.normalized, b.normalized, false)
	s += weightLevenshtein * levenshteinSimilarity(a.raw, b.raw)
	if a.soundex != "" && a.soundex == b.soundex {
		s += weightSoundex
	}
	if a.metaphone != "" && a.metaphone == b.metaphone {
		s += weightMetaphone
	}
	if anyCodeMatches(a, b) {
		s += weightDoubleMeta
	}
	return s
}

func anyCodeMatches(a, b phoneticForm) bool {
	for _, x := range [2]string{a.metaphone, a.altMeta} {
		for _, y := range [2]string{b.metaphone, b.altMeta} {
			if x != "" && x == y {
				return true
			}
		}
	}
	return false
}

func levenshteinSimilarity(a, b string) float64 {
	n := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if n == 0 {
		return 0
	}
	return 1 - float64(matchr.Levenshtein(a, b))/float64(n)
}
