package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Executor carries out a validated [Action] on the streaming platform.
// Implementations must be safe for concurrent use.
type Executor interface {
	// Execute performs a. A nil error means the platform accepted it.
	Execute(ctx context.Context, a Action) error

	// Name identifies the executor in logs, metrics and audit records.
	Name() string
}

// Compile-time interface checks.
var (
	_ Executor = (*LogExecutor)(nil)
	_ Executor = (*WebhookExecutor)(nil)
)

// ─── Log executor ────────────────────────────────────────────────────────────

// LogExecutor is a dry-run executor: it logs each action and reports
// success.
type LogExecutor struct{}

// NewLogExecutor creates a LogExecutor that writes to the default logger.
func NewLogExecutor() *LogExecutor {
	return &LogExecutor{}
}

// Execute implements [Executor].
func (e *LogExecutor) Execute(_ context.Context, a Action) error {
	attrs := []any{"action", a.Kind, "command_id", a.CommandID}
	if a.Username != "" {
		attrs = append(attrs, "username", a.Username)
	}
	if a.HasDuration {
		attrs = append(attrs, "duration", a.Duration)
	}
	if a.WeatherLocation != "" {
		attrs = append(attrs, "location", a.WeatherLocation)
	}
	slog.Info("moderation: dry run", attrs...)
	return nil
}

// Name implements [Executor].
func (e *LogExecutor) Name() string { return "log" }

// ─── Webhook executor ────────────────────────────────────────────────────────

// DefaultWebhookTimeout bounds one webhook call.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookOption configures a [WebhookExecutor].
type WebhookOption func(*WebhookExecutor)

// WithWebhookClient sets the HTTP client. The client's own timeout is
// replaced by the executor timeout.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(e *WebhookExecutor) { e.client = c }
}

// WithWebhookHeader adds a header to every request, for example an
// Authorization header.
func WithWebhookHeader(key, value string) WebhookOption {
	return func(e *WebhookExecutor) { e.headers.Set(key, value) }
}

// WithWebhookTimeout sets the per-call timeout. Default: 10s.
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(e *WebhookExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WebhookExecutor posts every action as JSON to a URL. Any 2xx response
// means success.
type WebhookExecutor struct {
	url     string
	client  *http.Client
	headers http.Header
	timeout time.Duration
}

// WebhookPayload is the JSON body sent by [WebhookExecutor].
type WebhookPayload struct {
	CommandID       string `json:"command_id"`
	Action          string `json:"action"`
	Username        string `json:"username,omitempty"`
	DurationSeconds *int64 `json:"duration_seconds,omitempty"`
	Reason          string `json:"reason,omitempty"`
	WeatherLocation string `json:"weather_location,omitempty"`
	Text            string `json:"text"`
	IssuedAt        string `json:"issued_at"`
}

// NewWebhookExecutor creates a WebhookExecutor posting to url.
func NewWebhookExecutor(url string, opts ...WebhookOption) (*WebhookExecutor, error) {
	if url == "" {
		return nil, errors.New("moderation: webhook url must not be empty")
	}
	e := &WebhookExecutor{
		url:     url,
		headers: make(http.Header),
		timeout: DefaultWebhookTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	return e, nil
}

// Execute implements [Executor].
func (e *WebhookExecutor) Execute(ctx context.Context, a Action) error {
	p := WebhookPayload{
		CommandID:       a.CommandID.String(),
		Action:          string(a.Kind),
		Username:        a.Username,
		Reason:          a.Reason,
		WeatherLocation: a.WeatherLocation,
		Text:            a.Text,
		IssuedAt:        a.IssuedAt.UTC().Format(time.RFC3339Nano),
	}
	if a.HasDuration {
		secs := int64(a.Duration / time.Second)
		p.DurationSeconds = &secs
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("moderation: webhook: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("moderation: webhook: %w", err)
	}
	for k, v := range e.headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("moderation: webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("moderation: webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Name implements [Executor].
func (e *WebhookExecutor) Name() string { return "webhook" }
