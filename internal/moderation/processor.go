package moderation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voxmod/internal/command"
	"github.com/MrWong99/voxmod/internal/moderation/audit"
	"github.com/MrWong99/voxmod/internal/observe"
	"github.com/MrWong99/voxmod/internal/username"
)

// DefaultExecuteTimeout bounds one executor call.
const DefaultExecuteTimeout = 15 * time.Second

var _ command.Sink = (*Processor)(nil)

// Option is a functional option for [NewProcessor].
type Option func(*Processor)

// WithAuditStore sets the audit store. Defaults to an in-memory store.
func WithAuditStore(s audit.Store) Option {
	return func(p *Processor) { p.store = s }
}

// WithLimits sets the duration limits used for validation.
func WithLimits(l command.Limits) Option {
	return func(p *Processor) { p.limits = l }
}

// WithExecuteTimeout bounds each executor call. Non-positive values are
// ignored.
func WithExecuteTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock overrides the clock used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// Processor resolves, validates, executes and audits commands. It is safe
// for concurrent use.
type Processor struct {
	resolver *username.Resolver
	executor Executor
	store    audit.Store
	limits   command.Limits
	timeout  time.Duration
	metrics  *observe.Metrics
	now      func() time.Time
}

// NewProcessor creates a Processor. A nil resolver leaves every username
// unresolved, so destructive actions are always rejected. A nil executor
// selects [LogExecutor].
func NewProcessor(resolver *username.Resolver, executor Executor, opts ...Option) *Processor {
	p := &Processor{
		resolver: resolver,
		executor: executor,
		limits:   command.DefaultLimits(),
		timeout:  DefaultExecuteTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.executor == nil {
		p.executor = NewLogExecutor()
	}
	if p.store == nil {
		p.store = audit.NewMemoryStore(0)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Audit returns the audit store.
func (p *Processor) Audit() audit.Store { return p.store }

// Dispatch implements [command.Sink].
func (p *Processor) Dispatch(ctx context.Context, cmd command.Command) {
	ctx, span := observe.StartSpan(ctx, "moderation.process")
	defer span.End()
	log := observe.Logger(ctx)

	intent, method := p.resolve(ctx, cmd.Intent)
	span.SetAttributes(
		attribute.String("action", string(intent.Action)),
		attribute.Bool("username_resolved", intent.UsernameResolved),
	)

	rec := audit.Record{
		ID:             uuid.New(),
		CommandID:      cmd.ID,
		Text:           cmd.Text,
		Action:         string(intent.Action),
		Username:       intent.Username,
		SpokenUsername: intent.SpokenUsername,
		Method:         method,
		Executor:       p.executor.Name(),
		At:             p.now(),
	}
	if secs, ok := intent.Seconds(); ok {
		rec.DurationSeconds = &secs
	}

	if err := command.Validate(intent, p.limits); err != nil {
		log.Warn("moderation: command rejected", "id", cmd.ID, "action", intent.Action, "err", err)
		rec.Outcome = audit.OutcomeRejected
		rec.Detail = err.Error()
		p.finish(ctx, rec)
		return
	}

	action := NewAction(cmd, intent)
	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.executor.Execute(execCtx, action)
	cancel()
	if err != nil {
		observe.FailSpan(span, err)
		log.Error("moderation: executor failed", "id", cmd.ID, "action", action.String(),
			"executor", p.executor.Name(), "err", err)
		rec.Outcome = audit.OutcomeFailed
		rec.Detail = err.Error()
	} else {
		log.Info("moderation: action executed", "id", cmd.ID, "action", action.String(),
			"executor", p.executor.Name())
		rec.Outcome = audit.OutcomeExecuted
	}
	p.finish(ctx, rec)
}

// Unrecognized implements [command.Sink].
func (p *Processor) Unrecognized(ctx context.Context, text string) {
	observe.Logger(ctx).Info("moderation: command not understood", "text", text)
	p.finish(ctx, audit.Record{
		ID:       uuid.New(),
		Text:     text,
		Action:   string(command.ActionUnknown),
		Executor: p.executor.Name(),
		Outcome:  audit.OutcomeUnrecognized,
		At:       p.now(),
	})
}

// resolve binds the intent's username to a recent chatter. The returned
// method is empty when nothing was resolved.
func (p *Processor) resolve(ctx context.Context, in command.Intent) (command.Intent, string) {
	if in.Username == "" {
		return in, ""
	}
	in.SpokenUsername = in.Username
	in.UsernameResolved = false
	if p.resolver == nil {
		return in, ""
	}
	res, ok := p.resolver.Resolve(ctx, in.Username)
	if !ok {
		return in, ""
	}
	in.Username = res.Username
	in.UsernameResolved = true
	return in, res.Method.String()
}

func (p *Processor) finish(ctx context.Context, rec audit.Record) {
	p.metrics.RecordModerationAction(ctx, rec.Action, string(rec.Outcome))
	if err := p.store.Append(ctx, rec); err != nil {
		observe.Logger(ctx).Warn("moderation: audit append failed", "id", rec.ID, "err", err)
	}
}
