package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Action names a moderation operation understood by the executors.
type Action string

// Supported actions. [ActionUnknown] is what parsers return for text they
// cannot map to any action.
const (
	ActionBan             Action = "ban"
	ActionUnban           Action = "unban"
	ActionTimeout         Action = "timeout"
	ActionUntimeout       Action = "untimeout"
	ActionClear           Action = "clear"
	ActionSlow            Action = "slow"
	ActionSlowOff         Action = "slow_off"
	ActionFollowersOnly   Action = "followers_only"
	ActionFollowersOff    Action = "followers_off"
	ActionSubscribersOnly Action = "subscribers_only"
	ActionSubscribersOff  Action = "subscribers_off"
	ActionEmoteOnly       Action = "emote_only"
	ActionEmoteOff        Action = "emote_off"
	ActionRestrict        Action = "restrict"
	ActionUnrestrict      Action = "unrestrict"
	ActionWeather         Action = "weather"
	ActionUnknown         Action = "unknown"
)

// Actions lists every actionable [Action] in a stable order.
var Actions = []Action{
	ActionBan, ActionUnban, ActionTimeout, ActionUntimeout, ActionClear,
	ActionSlow, ActionSlowOff, ActionFollowersOnly, ActionFollowersOff,
	ActionSubscribersOnly, ActionSubscribersOff, ActionEmoteOnly, ActionEmoteOff,
	ActionRestrict, ActionUnrestrict, ActionWeather,
}

// Known reports whether a is one of [Actions].
func (a Action) Known() bool {
	for _, k := range Actions {
		if a == k {
			return true
		}
	}
	return false
}

// TargetsUser reports whether the action needs a username.
func (a Action) TargetsUser() bool {
	switch a {
	case ActionBan, ActionUnban, ActionTimeout, ActionUntimeout, ActionRestrict, ActionUnrestrict:
		return true
	}
	return false
}

// Destructive reports whether the action can harm an innocent user when the
// target is wrong. Destructive actions require a username that was resolved
// against recent chat.
func (a Action) Destructive() bool {
	switch a {
	case ActionBan, ActionTimeout, ActionRestrict:
		return true
	}
	return false
}

// AcceptsDuration reports whether the action may carry a duration.
func (a Action) AcceptsDuration() bool {
	switch a {
	case ActionTimeout, ActionSlow, ActionFollowersOnly:
		return true
	}
	return false
}

// Intent is the structured form of a spoken command.
type Intent struct {
	Action Action

	// Username is the target as the parser understood it. After resolution it
	// holds the matched chat username.
	Username string

	// SpokenUsername keeps the parser's username when resolution replaced it.
	SpokenUsername string

	// UsernameResolved is set once Username was bound to a recent chatter.
	UsernameResolved bool

	// Duration is nil when the command carries no duration.
	Duration *time.Duration

	Reason          string
	WeatherLocation string
}

// Seconds returns the duration in whole seconds and whether one is set.
func (i Intent) Seconds() (int64, bool) {
	if i.Duration == nil {
		return 0, false
	}
	return int64(*i.Duration / time.Second), true
}

// Parser turns extracted command text into an [Intent].
//
// Parse returns (nil, nil) when the text is not a recognisable command. An
// error means the parser itself failed; callers treat it like an unrecognised
// command.
type Parser interface {
	Parse(ctx context.Context, text string) (*Intent, error)
}

// ParserFunc adapts a function to [Parser].
type ParserFunc func(ctx context.Context, text string) (*Intent, error)

// Parse calls f.
func (f ParserFunc) Parse(ctx context.Context, text string) (*Intent, error) { return f(ctx, text) }

// ─── Validation ──────────────────────────────────────────────────────────────

// ErrInvalidIntent is wrapped by every error returned from [Validate].
var ErrInvalidIntent = errors.New("invalid command")

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,25}$`)

// Limits bounds the durations an [Intent] may carry.
type Limits struct {
	// MaxTimeout caps timeout durations. Zero means 14 days.
	MaxTimeout time.Duration

	// MaxFollowersOnly caps the followers-only minimum follow age. Zero means
	// 90 days.
	MaxFollowersOnly time.Duration
}

// DefaultLimits mirrors the platform maximums.
func DefaultLimits() Limits {
	return Limits{
		MaxTimeout:       14 * 24 * time.Hour,
		MaxFollowersOnly: 90 * 24 * time.Hour,
	}
}

// Validate checks an intent after username resolution. The first violated
// rule is reported, wrapped around [ErrInvalidIntent].
func Validate(in Intent, limits Limits) error {
	def := DefaultLimits()
	if limits.MaxTimeout <= 0 {
		limits.MaxTimeout = def.MaxTimeout
	}
	if limits.MaxFollowersOnly <= 0 {
		limits.MaxFollowersOnly = def.MaxFollowersOnly
	}

	if in.Action == "" || in.Action == ActionUnknown {
		return fmt.Errorf("%w: no action specified", ErrInvalidIntent)
	}
	if !in.Action.Known() {
		return fmt.Errorf("%w: unsupported action %q", ErrInvalidIntent, in.Action)
	}
	if in.Action.TargetsUser() && in.Username == "" {
		return fmt.Errorf("%w: username required for %s", ErrInvalidIntent, in.Action)
	}
	if in.Action.Destructive() && in.Username != "" && !in.UsernameResolved {
		spoken := in.SpokenUsername
		if spoken == "" {
			spoken = in.Username
		}
		return fmt.Errorf("%w: cannot %s %q: username not found in recent chat", ErrInvalidIntent, in.Action, spoken)
	}
	if in.Action == ActionWeather && in.WeatherLocation == "" {
		return fmt.Errorf("%w: weather location required", ErrInvalidIntent)
	}
	if in.Username != "" && !usernamePattern.MatchString(in.Username) {
		return fmt.Errorf("%w: invalid username format %q", ErrInvalidIntent, in.Username)
	}
	if in.Duration == nil {
		return nil
	}

	d := *in.Duration
	if in.Action == ActionBan {
		return fmt.Errorf("%w: bans are permanent and cannot have durations", ErrInvalidIntent)
	}
	if !in.Action.AcceptsDuration() {
		return fmt.Errorf("%w: duration not allowed for %s", ErrInvalidIntent, in.Action)
	}
	if in.Action == ActionFollowersOnly {
		if d < 0 {
			return fmt.Errorf("%w: duration cannot be negative", ErrInvalidIntent)
		}
	} else if d < time.Second {
		return fmt.Errorf("%w: duration must be at least 1 second", ErrInvalidIntent)
	}
	switch {
	case in.Action == ActionTimeout && d > limits.MaxTimeout:
		return fmt.Errorf("%w: timeout cannot exceed %s", ErrInvalidIntent, limits.MaxTimeout)
	case in.Action == ActionFollowersOnly && d > limits.MaxFollowersOnly:
		return fmt.Errorf("%w: followers-only duration cannot exceed %s", ErrInvalidIntent, limits.MaxFollowersOnly)
	}
	return nil
}
