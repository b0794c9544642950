// Package openai provides an STT provider backed by the OpenAI audio
// transcription endpoint (Whisper and the gpt-4o transcribe models).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voxmod/pkg/audio"
	"github.com/MrWong99/voxmod/pkg/provider/stt"
)

// DefaultModel is used when the configured model is empty.
const DefaultModel = oai.AudioModelWhisper1

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

type config struct {
	baseURL  string
	language string
	prompt   string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithLanguage sets the ISO-639-1 input language hint.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithPrompt sets a context prompt, useful for spelling names the model
// would otherwise get wrong.
func WithPrompt(prompt string) Option {
	return func(c *config) { c.prompt = prompt }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    oai.AudioModel
	language string
	prompt   string
}

// New constructs an OpenAI STT Provider. An empty model selects
// [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	cfg := &config{language: "en"}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	m := oai.AudioModel(model)
	if model == "" {
		m = DefaultModel
	}
	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    m,
		language: cfg.language,
		prompt:   cfg.prompt,
	}, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "openai" }

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, seg audio.Segment) (*stt.Transcript, error) {
	start := time.Now()
	wav := audio.EncodeWAV(seg.Samples, seg.Rate())

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "segment.wav", "audio/wav"),
		Model: p.model,
	}
	if p.language != "" {
		params.Language = param.NewOpt(p.language)
	}
	if p.prompt != "" {
		params.Prompt = param.NewOpt(p.prompt)
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, &stt.StatusError{Provider: p.Name(), StatusCode: apiErr.StatusCode, Body: apiErr.Message}
		}
		return nil, fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return &stt.Transcript{
		Text:     strings.TrimSpace(res.Text),
		Language: p.language,
		Provider: p.Name(),
		Latency:  time.Since(start),
	}, nil
}
