// Package llmintent implements [command.Parser] on top of an [llm.Provider].
//
// The [Parser] sends the extracted command text together with a fixed
// instruction prompt and expects a single JSON object describing the action.
// Markdown fences around the JSON are tolerated. Output that does not parse,
// or that names the "unknown" action, means the command was not recognised.
package llmintent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/voxmod/internal/command"
	"github.com/MrWong99/voxmod/internal/observe"
	"github.com/MrWong99/voxmod/pkg/provider/llm"
)

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 200

	// DefaultTimeoutDuration applies to timeouts spoken without a duration.
	DefaultTimeoutDuration = 600 * time.Second

	// DefaultSlowDuration applies to slow mode spoken without a duration.
	DefaultSlowDuration = 10 * time.Second
)

// systemPromptTemplate is formatted with the default timeout in seconds.
const systemPromptTemplate = `You are a live-stream chat moderation assistant. Parse the voice command given by the user and extract the moderation action.

Respond ONLY with a JSON object containing:
- action: one of [ban, unban, timeout, untimeout, clear, slow, slow_off, followers_only, followers_off, subscribers_only, subscribers_off, emote_only, emote_off, restrict, unrestrict, weather, unknown]
- username: target username (if applicable, null otherwise)
- duration: duration in seconds (if applicable, null otherwise)
- reason: reason for the action (if mentioned, null otherwise)
- weather_location: location for weather commands (if applicable, null otherwise)

Rules:
1. Bans are permanent: never set a duration for "ban".
2. "timeout" without a duration uses %d seconds.
3. "slow" without a duration uses 10 seconds.
4. "followers_only" without a duration uses 1 second.
5. Convert time units to seconds: minutes*60, hours*3600, days*86400, weeks*604800.
6. Clean usernames: lowercase, no spaces, alphanumeric and underscore only.
7. Distinguish opposite actions: "unban" vs "ban", "untimeout" vs "timeout".
8. Only timeout, slow and followers_only may carry durations.
9. Convert weather countries to their two-letter code ("Naples, Italy" -> "Naples, IT").
10. Unclear or incomplete commands ("set the weather") are "unknown".

Common variations:
- "ban", "permanently ban", "band", "bend" -> ban
- "timeout", "mute" -> timeout
- "unban", "unben" -> unban
- "untimeout", "un tie mount", "remove timeout" -> untimeout
- "clear chat", "clear the chat" -> clear
- "slow mode" -> slow; "disable slow mode", "slow off" -> slow_off
- "followers only", "follower mode" -> followers_only; "followers off" -> followers_off
- "subscribers only", "sub mode", "subs only" -> subscribers_only; "subs off", "remove sub only" -> subscribers_off
- "emote only" -> emote_only; "emotes off" -> emote_off
- "restrict user" -> restrict; "unrestrict user", "remove restrictions" -> unrestrict
- "change weather to [location]", "set weather to [location]" -> weather

Examples:
"ban johndoe" -> {"action": "ban", "username": "johndoe", "duration": null, "reason": null, "weather_location": null}
"timeout user123 for 10 minutes" -> {"action": "timeout", "username": "user123", "duration": 600, "reason": null, "weather_location": null}
"clear the chat" -> {"action": "clear", "username": null, "duration": null, "reason": null, "weather_location": null}
"slow mode 30 seconds" -> {"action": "slow", "username": null, "duration": 30, "reason": null, "weather_location": null}
"change weather to Tokyo, Japan" -> {"action": "weather", "username": null, "duration": null, "reason": null, "weather_location": "Tokyo, JP"}

Respond with ONLY the JSON object, no other text.`

// response is the JSON structure the model returns.
type response struct {
	Action          string   `json:"action"`
	Username        *string  `json:"username"`
	Duration        *float64 `json:"duration"`
	Reason          *string  `json:"reason"`
	WeatherLocation *string  `json:"weather_location"`
}

// Option is a functional option for configuring a [Parser].
type Option func(*Parser)

// WithTemperature sets the sampling temperature. Default: 0.2.
func WithTemperature(temp float64) Option {
	return func(p *Parser) {
		p.temperature = temp
	}
}

// WithDefaultTimeout sets the duration used for timeouts spoken without one.
// Default: 10 minutes.
func WithDefaultTimeout(d time.Duration) Option {
	return func(p *Parser) {
		if d > 0 {
			p.defaultTimeout = d
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Parser) { p.metrics = m }
}

// Parser is an LLM-backed [command.Parser]. It is safe for concurrent use.
type Parser struct {
	llm            llm.Provider
	temperature    float64
	defaultTimeout time.Duration
	metrics        *observe.Metrics
}

var _ command.Parser = (*Parser)(nil)

// New returns a Parser backed by provider.
func New(provider llm.Provider, opts ...Option) *Parser {
	p := &Parser{
		llm:            provider,
		temperature:    defaultTemperature,
		defaultTimeout: DefaultTimeoutDuration,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Parse implements [command.Parser]. Unparsable model output and the
// "unknown" action yield (nil, nil); provider failures are returned as errors.
func (p *Parser) Parse(ctx context.Context, text string) (*command.Intent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	req := llm.UserPrompt(p.systemPrompt(), text)
	req.Temperature = p.temperature
	req.MaxTokens = defaultMaxTokens

	start := time.Now()
	resp, err := p.llm.Complete(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	p.metrics.RecordLLMDuration(ctx, "intent", p.llm.Name(), time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, p.llm.Name(), "llm", "error")
		p.metrics.RecordProviderError(ctx, p.llm.Name(), "llm")
		return nil, fmt.Errorf("llmintent: complete: %w", err)
	}
	p.metrics.RecordProviderRequest(ctx, p.llm.Name(), "llm", "ok")

	intent, err := p.parseResponse(resp.Content)
	if err != nil {
		observe.Logger(ctx).Warn("llmintent: unparsable model output", "content", resp.Content, "err", err)
		return nil, nil //nolint:nilerr // unparsable output means "unrecognised"
	}
	return intent, nil
}

func (p *Parser) systemPrompt() string {
	return fmt.Sprintf(systemPromptTemplate, int(p.defaultTimeout/time.Second))
}

// parseResponse converts model output into an Intent. A nil Intent with a
// nil error means the model answered "unknown".
func (p *Parser) parseResponse(content string) (*command.Intent, error) {
	var r response
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &r); err != nil {
		return nil, fmt.Errorf("llmintent: parse response: %w", err)
	}

	action := command.Action(strings.ToLower(strings.TrimSpace(r.Action)))
	if action == command.ActionUnknown || action == "" {
		return nil, nil
	}
	if !action.Known() {
		return nil, fmt.Errorf("llmintent: unsupported action %q", r.Action)
	}

	in := &command.Intent{
		Action:          action,
		Username:        strings.TrimSpace(deref(r.Username)),
		Reason:          strings.TrimSpace(deref(r.Reason)),
		WeatherLocation: strings.TrimSpace(deref(r.WeatherLocation)),
	}
	if r.Duration != nil {
		d := time.Duration(*r.Duration * float64(time.Second))
		in.Duration = &d
	}
	switch {
	case in.Action == command.ActionSlow && in.Duration == nil:
		d := DefaultSlowDuration
		in.Duration = &d
	case in.Action == command.ActionTimeout && in.Duration == nil:
		d := p.defaultTimeout
		in.Duration = &d
	}
	return in, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
