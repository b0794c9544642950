// Package wake detects the two-token activation phrase ("hey brian") in
// transcribed text and extracts the command that follows it.
//
// Transcription engines render the same spoken phrase as "Hey Brian",
// "hey, brian!", "Hey Brian..." or "heybrian", so matching is
// case-insensitive and tolerates any run of whitespace and punctuation between
// the tokens as well as trailing punctuation after the second one.
//
// A Detector is immutable and safe for concurrent use.
package wake

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Default activation tokens.
const (
	DefaultFirst  = "hey"
	DefaultSecond = "brian"
)

// leadingNoise matches punctuation and connector symbols that transcription
// engines put between the wake phrase and the command.
var leadingNoise = regexp.MustCompile(`^[\s,.!?;:\-–—…"']+`)

// Match is the result of [Detector.Find].
type Match struct {
	// Found reports whether the wake phrase occurs in the text.
	Found bool

	// Start and End delimit the half-open byte range [Start, End) of the
	// matched phrase, including any trailing punctuation. Both are zero when
	// Found is false.
	Start int
	End   int
}

// Detector finds a fixed two-token wake phrase.
type Detector struct {
	first  string
	second string
	re     *regexp.Regexp
}

// New compiles a Detector for the phrase "<first> <second>". Tokens are
// matched literally and case-insensitively at word boundaries.
func New(first, second string) (*Detector, error) {
	first = strings.TrimSpace(first)
	second = strings.TrimSpace(second)
	if first == "" || second == "" {
		return nil, errors.New("wake: both phrase tokens must be non-empty")
	}
	if strings.ContainsAny(first+second, " \t\n") {
		return nil, errors.New("wake: phrase tokens must be single words")
	}
	pattern := `(?i)\b` + regexp.QuoteMeta(first) + `[\s,.!?]*` + regexp.QuoteMeta(second) + `\b[,.!?]*`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("wake: compile phrase: %w", err)
	}
	return &Detector{first: first, second: second, re: re}, nil
}

// MustNew is like [New] but panics on error. It is intended for package-level
// defaults and tests.
func MustNew(first, second string) *Detector {
	d, err := New(first, second)
	if err != nil {
		panic(err)
	}
	return d
}

// Phrase returns the configured phrase as "<first> <second>".
func (d *Detector) Phrase() string { return d.first + " " + d.second }

// Find returns the leftmost occurrence of the wake phrase in text.
func (d *Detector) Find(text string) Match {
	loc := d.re.FindStringIndex(text)
	if loc == nil {
		return Match{}
	}
	return Match{Found: true, Start: loc[0], End: loc[1]}
}

// Contains reports whether text contains the wake phrase.
func (d *Detector) Contains(text string) bool {
	return d.re.MatchString(text)
}

// Extract returns the text after the wake phrase with leading punctuation and
// whitespace removed. If the phrase does not occur, text is returned
// unchanged.
func (d *Detector) Extract(text string) string {
	m := d.Find(text)
	if !m.Found {
		return text
	}
	rest := leadingNoise.ReplaceAllString(text[m.End:], "")
	return strings.TrimSpace(rest)
}
