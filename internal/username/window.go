// Package username binds a spoken, imprecisely transcribed name to a real chat
// participant.
//
// A [Window] remembers the most recent chat authors. A [Resolver] runs an
// ordered list of [Matcher] strategies against a snapshot of the window and
// returns the first match:
//
//  1. [ExactMatcher]: case-insensitive equality.
//  2. [FuzzyMatcher]: structural patterns common in transcription (prefixes,
//     underscore parts and abbreviations, substrings).
//  3. [PhoneticMatcher]: a weighted ensemble of string-similarity and phonetic
//     codes with a confidence threshold.
//  4. [AIMatcher]: an LLM asked to pick one window entry or none.
//
// Resolution never mutates the window, and a result always names an entry of
// the snapshot it was computed from.
//
// Usage:
//
//	w := username.NewWindow(username.DefaultCapacity)
//	w.Add("v1king_k1ng")
//	r := username.NewResolver(w, username.DefaultMatchers()...)
//	res, ok := r.Resolve(ctx, "viking king") // "v1king_k1ng", phonetic
package username

import (
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the window capacity used when none is configured.
const DefaultCapacity = 50

// Entry is one remembered chat author.
type Entry struct {
	// Name is lowercased.
	Name        string
	FirstSeenAt time.Time
}

// Window is a bounded, insertion-ordered set of recent usernames. Adding a
// name that is already present does not move it; adding a new name to a full
// window evicts the oldest entry.
//
// All methods are safe for concurrent use.
type Window struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry
	names    map[string]struct{}
	now      func() time.Time
}

// NewWindow creates a window holding at most capacity names. Non-positive
// capacities select [DefaultCapacity].
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		capacity: capacity,
		entries:  make([]Entry, 0, capacity),
		names:    make(map[string]struct{}, capacity),
		now:      time.Now,
	}
}

// Add records name. It reports whether the name was new. Empty names are
// ignored.
func (w *Window) Add(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.names[name]; ok {
		return false
	}
	if len(w.entries) >= w.capacity {
		oldest := w.entries[0]
		delete(w.names, oldest.Name)
		copy(w.entries, w.entries[1:])
		w.entries = w.entries[:len(w.entries)-1]
	}
	w.entries = append(w.entries, Entry{Name: name, FirstSeenAt: w.now()})
	w.names[name] = struct{}{}
	return true
}

// Snapshot returns the names oldest first.
func (w *Window) Snapshot() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.entries))
	for i, e := range w.entries {
		out[i] = e.Name
	}
	return out
}

// Entries returns a copy of the entries oldest first.
func (w *Window) Entries() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Entry(nil), w.entries...)
}

// Contains reports whether name (case-insensitive) is in the window.
func (w *Window) Contains(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.names[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Len returns the number of names held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Capacity returns the configured capacity.
func (w *Window) Capacity() int { return w.capacity }
