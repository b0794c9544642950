package username

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/voxmod/internal/observe"
	"github.com/MrWong99/voxmod/internal/resilience"
	"github.com/MrWong99/voxmod/pkg/provider/llm"
)

// NoMatch is the sentinel the model answers with when nothing fits.
const NoMatch = "NO_MATCH"

const (
	defaultAITimeout     = 10 * time.Second
	defaultAITemperature = 0.1
	defaultAIMaxTokens   = 50
)

// ErrRateLimited is logged when the AI fallback budget is exhausted.
var ErrRateLimited = errors.New("username: AI fallback rate limit exceeded")

const aiSystemPrompt = "You are a username matching expert. Be precise and only return exact usernames from the provided list or 'NO_MATCH'."

const aiPromptTemplate = `You are helping match a spoken username to an actual chat username from recent chat.

Spoken username: %q

Recent chat usernames:
%s

Please find the best matching username from the list above. Consider:
- Phonetic similarity (how it sounds when spoken)
- Leet speak (1=i, 3=e, 4=a, 5=s, 7=t, 0=o)
- Common misspellings or voice recognition errors
- Underscores, numbers, and special characters that might be omitted when speaking
- Abbreviations or shortened forms (e.g., "stn" for "ston")

If you find a good match, respond with ONLY the exact username from the list.
If no reasonable match exists, respond with "NO_MATCH".

Examples:
- "viking king" might match "v1king_k1ng" or "vikingking123"
- "test user" might match "testuser" or "test_user_42"
- "igorston" might match "igor_stn" (stn = ston abbreviated)
- "mikejones" might match "mike_j" or "mikej_"

Your response:`

// AIOption configures an [AIMatcher].
type AIOption func(*AIMatcher)

// WithRateLimit caps AI fallback calls. Calls over budget are treated as no
// match without waiting.
func WithRateLimit(r rate.Limit, burst int) AIOption {
	return func(m *AIMatcher) { m.limiter = rate.NewLimiter(r, burst) }
}

// WithBreaker guards the provider with a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) AIOption {
	return func(m *AIMatcher) { m.breaker = cb }
}

// WithAITimeout bounds one completion call. Default: 10s.
func WithAITimeout(d time.Duration) AIOption {
	return func(m *AIMatcher) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithAIMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithAIMetrics(metrics *observe.Metrics) AIOption {
	return func(m *AIMatcher) { m.metrics = metrics }
}

// AIMatcher asks an LLM to choose one window entry. Any failure (network,
// timeout, rate limit, open breaker, an answer outside the window) is a
// miss, never an error.
type AIMatcher struct {
	provider llm.Provider
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	timeout  time.Duration
	metrics  *observe.Metrics
}

var _ Matcher = (*AIMatcher)(nil)

// NewAIMatcher creates an AI fallback stage backed by provider.
func NewAIMatcher(provider llm.Provider, opts ...AIOption) *AIMatcher {
	m := &AIMatcher{provider: provider, timeout: defaultAITimeout}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// AttemptMatch implements [Matcher].
func (m *AIMatcher) AttemptMatch(ctx context.Context, fragment string, window []string) (MatchResult, bool) {
	log := observe.Logger(ctx)
	spoken := strings.ToLower(strings.TrimSpace(fragment))
	if spoken == "" || len(window) == 0 {
		return MatchResult{}, false
	}
	if m.limiter != nil && !m.limiter.Allow() {
		log.Warn("username: skipping AI fallback", "fragment", spoken, "err", ErrRateLimited)
		return MatchResult{}, false
	}

	answer, err := m.complete(ctx, spoken, window)
	if err != nil {
		log.Warn("username: AI fallback failed", "fragment", spoken, "err", err)
		return MatchResult{}, false
	}
	answer = cleanAnswer(answer)
	if answer == "" || strings.EqualFold(answer, NoMatch) {
		log.Info("username: AI found no match", "fragment", spoken)
		return MatchResult{}, false
	}
	for _, name := range window {
		if strings.EqualFold(answer, name) {
			return MatchResult{Username: name, Method: MethodAIFallback}, true
		}
	}
	log.Warn("username: AI returned a name not in recent chat", "fragment", spoken, "answer", answer)
	return MatchResult{}, false
}

func (m *AIMatcher) complete(ctx context.Context, spoken string, window []string) (string, error) {
	var done func(error)
	if m.breaker != nil {
		var err error
		if done, err = m.breaker.Allow(); err != nil {
			return "", err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var list strings.Builder
	for _, name := range window {
		list.WriteString("- ")
		list.WriteString(name)
		list.WriteByte('\n')
	}
	req := llm.UserPrompt(aiSystemPrompt, fmt.Sprintf(aiPromptTemplate, spoken, strings.TrimRight(list.String(), "\n")))
	req.Temperature = defaultAITemperature
	req.MaxTokens = defaultAIMaxTokens

	start := time.Now()
	resp, err := m.provider.Complete(ctx, req)
	m.metrics.RecordLLMDuration(ctx, "username", m.provider.Name(), time.Since(start).Seconds())
	if err == nil && resp == nil {
		err = errors.New("username: empty completion response")
	}
	if done != nil {
		done(err)
	}
	if err != nil {
		m.metrics.RecordProviderRequest(ctx, m.provider.Name(), "llm", "error")
		m.metrics.RecordProviderError(ctx, m.provider.Name(), "llm")
		return "", err
	}
	m.metrics.RecordProviderRequest(ctx, m.provider.Name(), "llm", "ok")
	return resp.Content, nil
}

// cleanAnswer strips quoting and list markers models sometimes add.
func cleanAnswer(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "- ")
	s = strings.TrimPrefix(s, "@")
	return strings.Trim(s, "\"'`. ")
}
