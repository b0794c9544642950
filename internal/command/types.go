// Package command turns transcribed utterances into moderation commands.
//
// The [Assembler] is a two-state machine (Idle and Awaiting). An utterance
// that carries the wake phrase but no parsable command is held as the single
// [PendingCommand]; the next utterance without a wake phrase gets exactly one
// chance to complete it before the pending text is dropped. Pending text also
// expires after a timeout (default 15s).
//
// Usage:
//
//	asm := command.NewAssembler(detector, parser, sink, command.WithTimeout(15*time.Second))
//	defer asm.Close()
//	asm.Handle(ctx, command.Utterance{Text: text, HasWakeWord: detector.Contains(text), ObservedAt: time.Now()})
package command

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Utterance is one transcription result.
type Utterance struct {
	Text        string
	HasWakeWord bool

	// ObservedAt is when the transcription completed. All assembler timing
	// uses this value; transcription tasks may finish out of segment order.
	ObservedAt time.Time

	// SegmentID identifies the audio segment the text came from.
	SegmentID uuid.UUID
}

// PendingCommand is a wake-phrase utterance waiting for its continuation.
type PendingCommand struct {
	Text      string
	CreatedAt time.Time
}

// Command is an assembled, parsed command ready for moderation.
type Command struct {
	ID uuid.UUID

	// Text is the command text after the wake phrase.
	Text string

	Intent Intent

	// Combined is true when the command was completed from a pending
	// utterance and its continuation.
	Combined bool

	ReceivedAt time.Time
}

// Sink receives the assembler's output. Methods are called without the
// assembler lock held and may block.
type Sink interface {
	// Dispatch is called for every parsed command.
	Dispatch(ctx context.Context, cmd Command)

	// Unrecognized is called when a combined utterance still does not parse.
	Unrecognized(ctx context.Context, text string)
}

// State is the assembler state.
type State int

const (
	// StateIdle means no command is pending.
	StateIdle State = iota

	// StateAwaiting means one PendingCommand is held.
	StateAwaiting
)

// String returns "idle" or "awaiting".
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaiting:
		return "awaiting"
	default:
		return "unknown"
	}
}
