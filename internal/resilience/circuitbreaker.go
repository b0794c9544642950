// Package resilience provides circuit breaker and provider failover primitives.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a provider that keeps failing. [FallbackGroup] orders
// several instances of one provider type, each behind its own breaker, and
// tries them in turn. [LLMFallback] and [STTFallback] apply it to the two
// provider contracts.
//
// Cancelled contexts never count against a breaker: a caller giving up is not
// a provider failure.
//
// Usage:
//
//	stt := resilience.NewSTTFallback(hf, "hfendpoint", resilience.FallbackConfig{})
//	stt.AddFallback("openai", whisperAPI)
//	tr, err := stt.Transcribe(ctx, seg)
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. One failed
	// probe re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed, and successes needed,
	// in the half-open state. Default: 1.
	HalfOpenMax int

	// IsFailure classifies errors. nil counts every error except
	// context.Canceled.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, without the breaker
	// lock held.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probesInFlight  int
	probeSuccesses  int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow asks for permission to make one call. On success the caller must
// invoke done exactly once with the call's result.
func (cb *CircuitBreaker) Allow() (done func(error), err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probesInFlight = 0
		cb.probeSuccesses = 0
	}
	probe := cb.state == StateHalfOpen
	if probe {
		if cb.probesInFlight+cb.probeSuccesses >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.probesInFlight++
	}
	cb.mu.Unlock()
	if from == StateOpen {
		slog.Info("resilience: circuit breaker probing", "name", cb.cfg.Name)
		cb.notify(from, StateHalfOpen)
	}

	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.record(probe, err) })
	}, nil
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	failed := err != nil && cb.cfg.IsFailure(err)

	cb.mu.Lock()
	from := cb.state
	if probe {
		cb.probesInFlight--
	}
	switch {
	case cb.state == StateHalfOpen && probe && failed:
		cb.tripLocked()
	case cb.state == StateHalfOpen && probe && err == nil:
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
		}
	case cb.state == StateClosed && failed:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.cfg.MaxFailures {
			cb.tripLocked()
		}
	case cb.state == StateClosed && err == nil:
		cb.consecutiveFail = 0
	}
	to := cb.state
	failures := cb.consecutiveFail
	cb.mu.Unlock()

	if from != to {
		if to == StateOpen {
			slog.Warn("resilience: circuit breaker opened", "name", cb.cfg.Name,
				"consecutive_failures", failures, "err", err)
		} else {
			slog.Info("resilience: circuit breaker state changed", "name", cb.cfg.Name,
				"from", from, "to", to)
		}
	}
	cb.notify(from, to)
}

func (cb *CircuitBreaker) tripLocked() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.probesInFlight = 0
	cb.probeSuccesses = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.probesInFlight = 0
	cb.probeSuccesses = 0
	cb.mu.Unlock()
	slog.Info("resilience: circuit breaker reset", "name", cb.cfg.Name)
	cb.notify(from, StateClosed)
}
