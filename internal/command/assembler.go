package command

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxmod/internal/observe"
	"github.com/MrWong99/voxmod/internal/wake"
)

// DefaultTimeout is how long a pending command waits for its continuation.
const DefaultTimeout = 15 * time.Second

// Assembler events recorded in metrics.
const (
	EventDispatched   = "dispatched"
	EventStored       = "stored"
	EventReplaced     = "replaced"
	EventCombined     = "combined"
	EventExpired      = "expired"
	EventUnrecognized = "unrecognized"
	EventIgnored      = "ignored"
)

// Option is a functional option for [NewAssembler].
type Option func(*Assembler)

// WithTimeout sets the pending-command timeout. Non-positive values are
// ignored.
func WithTimeout(d time.Duration) Option {
	return func(a *Assembler) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithClock overrides the clock used for utterances without an ObservedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assembler) { a.metrics = m }
}

// Assembler is the Idle/Awaiting command state machine. All state lives
// behind one mutex; the expiry timer carries a generation number so a timer
// that fires after its pending command was replaced or consumed is a no-op.
//
// Parsing runs with the lock held so utterances are evaluated one at a time.
// The sink is called after the lock is released.
type Assembler struct {
	detector *wake.Detector
	parser   Parser
	sink     Sink
	timeout  time.Duration
	now      func() time.Time
	metrics  *observe.Metrics

	mu      sync.Mutex
	pending *PendingCommand
	timer   *time.Timer
	gen     uint64
	closed  bool
}

// NewAssembler creates an Assembler. detector, parser and sink must be
// non-nil.
func NewAssembler(detector *wake.Detector, parser Parser, sink Sink, opts ...Option) *Assembler {
	a := &Assembler{
		detector: detector,
		parser:   parser,
		sink:     sink,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Detector returns the wake phrase detector the assembler extracts with.
func (a *Assembler) Detector() *wake.Detector { return a.detector }

// State returns the current state.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != nil {
		return StateAwaiting
	}
	return StateIdle
}

// Pending returns a copy of the pending command, if any.
func (a *Assembler) Pending() (PendingCommand, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return PendingCommand{}, false
	}
	return *a.pending, true
}

// Handle feeds one utterance through the state machine. It is safe to call
// from multiple goroutines.
func (a *Assembler) Handle(ctx context.Context, u Utterance) {
	if u.ObservedAt.IsZero() {
		u.ObservedAt = a.now()
	}
	log := observe.Logger(ctx)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.expireStaleLocked(ctx, u.ObservedAt)

	if u.HasWakeWord {
		if a.pending != nil {
			log.Debug("command: pending command replaced", "pending", a.pending.Text)
			a.clearLocked()
			a.metrics.RecordAssemblerEvent(ctx, EventReplaced)
		}
		remainder := a.detector.Extract(u.Text)
		intent := a.parseLocked(ctx, remainder)
		if intent == nil {
			a.pending = &PendingCommand{Text: u.Text, CreatedAt: u.ObservedAt}
			a.armLocked()
			a.mu.Unlock()
			a.metrics.RecordAssemblerEvent(ctx, EventStored)
			log.Info("command: wake phrase without command, awaiting continuation",
				"text", u.Text, "timeout", a.timeout)
			return
		}
		a.mu.Unlock()
		a.dispatch(ctx, remainder, *intent, false, u.ObservedAt)
		return
	}

	if a.pending == nil {
		a.mu.Unlock()
		a.metrics.RecordAssemblerEvent(ctx, EventIgnored)
		return
	}

	combined := a.pending.Text + " " + u.Text
	a.clearLocked()
	remainder := a.detector.Extract(combined)
	intent := a.parseLocked(ctx, remainder)
	a.mu.Unlock()

	a.metrics.RecordAssemblerEvent(ctx, EventCombined)
	if intent == nil {
		a.metrics.RecordAssemblerEvent(ctx, EventUnrecognized)
		log.Info("command: could not understand combined command", "text", remainder)
		a.sink.Unrecognized(ctx, remainder)
		return
	}
	a.dispatch(ctx, remainder, *intent, true, u.ObservedAt)
}

// Close cancels any pending timer and clears the pending command. Later
// calls to Handle are ignored.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.clearLocked()
}

func (a *Assembler) dispatch(ctx context.Context, text string, intent Intent, combined bool, at time.Time) {
	cmd := Command{
		ID:         uuid.New(),
		Text:       text,
		Intent:     intent,
		Combined:   combined,
		ReceivedAt: at,
	}
	a.metrics.RecordAssemblerEvent(ctx, EventDispatched)
	observe.Logger(ctx).Info("command: dispatching",
		"id", cmd.ID, "action", intent.Action, "text", text, "combined", combined)
	a.sink.Dispatch(ctx, cmd)
}

// parseLocked returns nil for empty text, parser errors and unrecognised
// commands.
func (a *Assembler) parseLocked(ctx context.Context, text string) *Intent {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	intent, err := a.parser.Parse(ctx, text)
	if err != nil {
		observe.Logger(ctx).Warn("command: parse failed", "text", text, "err", err)
		return nil
	}
	if intent == nil || intent.Action == ActionUnknown || intent.Action == "" {
		return nil
	}
	return intent
}

// expireStaleLocked drops a pending command whose timeout elapsed by the
// time the utterance was observed, even if the timer has not fired yet.
func (a *Assembler) expireStaleLocked(ctx context.Context, at time.Time) {
	if a.pending == nil || at.Sub(a.pending.CreatedAt) <= a.timeout {
		return
	}
	slog.Debug("command: pending command expired", "pending", a.pending.Text,
		"age", at.Sub(a.pending.CreatedAt))
	a.clearLocked()
	a.metrics.RecordAssemblerEvent(ctx, EventExpired)
}

// armLocked cancels any scheduled expiry and schedules a new one for the
// current pending command.
func (a *Assembler) armLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.timeout, func() { a.expire(gen) })
}

func (a *Assembler) clearLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	a.pending = nil
}

func (a *Assembler) expire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.pending == nil {
		a.mu.Unlock()
		return
	}
	text := a.pending.Text
	a.timer = nil
	a.gen++
	a.pending = nil
	a.mu.Unlock()

	a.metrics.RecordAssemblerEvent(context.Background(), EventExpired)
	slog.Debug("command: pending command timed out", "pending", text)
}
