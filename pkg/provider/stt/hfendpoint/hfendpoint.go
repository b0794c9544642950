// Package hfendpoint provides an stt.Provider for a dedicated Hugging Face
// Inference Endpoint running an automatic-speech-recognition model (Whisper
// large-v3 and friends).
//
// The request body is the raw WAV file, authenticated with a bearer token.
// The endpoint answers with a JSON object carrying at least a "text" field.
// Non-2xx responses are returned as [*stt.StatusError]; there is no retry
// inside the provider.
package hfendpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxmod/pkg/audio"
	"github.com/MrWong99/voxmod/pkg/provider/stt"
)

const defaultTimeout = 30 * time.Second

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpClient = &http.Client{Timeout: d}
		}
	}
}

// Provider posts WAV segments to a Hugging Face Inference Endpoint.
type Provider struct {
	endpointURL string
	token       string
	httpClient  *http.Client
}

// New creates a Provider for endpointURL authenticated with token.
func New(endpointURL, token string, opts ...Option) (*Provider, error) {
	var errs []error
	if endpointURL == "" {
		errs = append(errs, errors.New("hfendpoint: endpoint URL must not be empty"))
	}
	if token == "" {
		errs = append(errs, errors.New("hfendpoint: token must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	p := &Provider{
		endpointURL: endpointURL,
		token:       token,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "hfendpoint" }

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, seg audio.Segment) (*stt.Transcript, error) {
	start := time.Now()
	wav := audio.EncodeWAV(seg.Samples, seg.Rate())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpointURL, bytes.NewReader(wav))
	if err != nil {
		return nil, fmt.Errorf("hfendpoint: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hfendpoint: http request: %w", err)
	}
	defer resp.Body.Close()

	if err := stt.CheckResponse("hfendpoint", resp); err != nil {
		return nil, err
	}

	var result struct {
		Text *string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("hfendpoint: parse JSON response: %w", err)
	}
	if result.Text == nil {
		return nil, errors.New("hfendpoint: response has no text field")
	}

	return &stt.Transcript{
		Text:     strings.TrimSpace(*result.Text),
		Provider: p.Name(),
		Latency:  time.Since(start),
	}, nil
}
