// Package moderation executes assembled voice commands.
//
// The [Processor] is the command assembler's sink. For every command it
// resolves the spoken username against recent chat, validates the result,
// hands an [Action] to the configured [Executor] and appends an audit record.
// Commands that fail validation are logged and audited but never executed.
//
// Usage:
//
//	p := moderation.NewProcessor(resolver, moderation.NewLogExecutor(),
//		moderation.WithAuditStore(store),
//	)
//	asm := command.NewAssembler(detector, parser, p)
package moderation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxmod/internal/command"
)

// Action is a validated moderation operation ready for an [Executor].
type Action struct {
	// CommandID is the id of the command this action came from.
	CommandID uuid.UUID

	Kind command.Action

	// Username is the resolved chat username. Empty for channel-wide actions.
	Username string

	// Duration is zero when the command carried none. For followers-only mode
	// zero also means "any follower".
	Duration    time.Duration
	HasDuration bool

	Reason          string
	WeatherLocation string

	// Text is the spoken command after the wake phrase.
	Text string

	IssuedAt time.Time
}

// NewAction builds the executor descriptor for cmd using the resolved intent.
func NewAction(cmd command.Command, intent command.Intent) Action {
	a := Action{
		CommandID:       cmd.ID,
		Kind:            intent.Action,
		Username:        intent.Username,
		Reason:          intent.Reason,
		WeatherLocation: intent.WeatherLocation,
		Text:            cmd.Text,
		IssuedAt:        cmd.ReceivedAt,
	}
	if intent.Duration != nil {
		a.Duration = *intent.Duration
		a.HasDuration = true
	}
	return a
}

// String returns a short human-readable summary such as
// "timeout v1king_k1ng 10m0s".
func (a Action) String() string {
	parts := []string{string(a.Kind)}
	if a.Username != "" {
		parts = append(parts, a.Username)
	}
	if a.WeatherLocation != "" {
		parts = append(parts, fmt.Sprintf("%q", a.WeatherLocation))
	}
	if a.HasDuration {
		parts = append(parts, a.Duration.String())
	}
	if a.Reason != "" {
		parts = append(parts, "("+a.Reason+")")
	}
	return strings.Join(parts, " ")
}
