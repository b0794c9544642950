// Package audit keeps a trail of every command the moderation processor
// handled, including rejected and unrecognised ones.
//
// Two [Store] implementations exist: [MemoryStore], a bounded in-process
// ring used by default and in tests, and [PostgresStore], which persists
// records through a pgx connection pool.
//
// Usage:
//
//	store, err := audit.NewPostgresStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Append(ctx, audit.Record{ID: uuid.New(), Action: "ban", Outcome: audit.OutcomeExecuted})
//	recent, _ := store.Recent(ctx, 20)
package audit

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome describes what happened to a command.
type Outcome string

// Recorded outcomes.
const (
	OutcomeExecuted     Outcome = "executed"
	OutcomeFailed       Outcome = "failed"
	OutcomeRejected     Outcome = "rejected"
	OutcomeUnrecognized Outcome = "unrecognized"
)

// Record is one audit entry.
type Record struct {
	ID uuid.UUID

	// CommandID is the assembler's command id. It is the zero UUID for
	// unrecognised text.
	CommandID uuid.UUID

	// Text is the command text after the wake phrase.
	Text string

	Action string

	// Username is the target after resolution; SpokenUsername is what the
	// parser heard. Both are empty for channel-wide actions.
	Username       string
	SpokenUsername string

	// Method is the resolution method ("exact", "fuzzy", "phonetic",
	// "ai_fallback") or empty when no username was resolved.
	Method string

	// DurationSeconds is nil when the command carried no duration.
	DurationSeconds *int64

	Executor string
	Outcome  Outcome

	// Detail holds the validation or executor error, if any.
	Detail string

	At time.Time
}

// Store persists audit records. Implementations must be safe for concurrent
// use.
type Store interface {
	// Append stores rec.
	Append(ctx context.Context, rec Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// DefaultMemoryCapacity is the number of records a [MemoryStore] keeps when
// no capacity is given.
const DefaultMemoryCapacity = 1000

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the most recent records in memory. The oldest record is
// discarded when the store is full.
type MemoryStore struct {
	mu       sync.Mutex
	records  []Record
	capacity int
}

// NewMemoryStore creates a MemoryStore. Non-positive capacities select
// [DefaultMemoryCapacity].
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity}
}

// Append implements [Store].
func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == s.capacity {
		s.records = slices.Delete(s.records, 0, 1)
	}
	s.records = append(s.records, rec)
	return nil
}

// Recent implements [Store]. A non-positive limit returns every record.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
