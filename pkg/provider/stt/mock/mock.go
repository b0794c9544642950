// Package mock provides a test double for the stt.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Texts: []string{"hey brian", "ban spammer"}}
//	tr, _ := p.Transcribe(ctx, seg) // "hey brian"
//	tr, _ = p.Transcribe(ctx, seg)  // "ban spammer"
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxmod/pkg/audio"
	"github.com/MrWong99/voxmod/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Segment is the segment passed to Transcribe.
	Segment audio.Segment
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Texts are returned in order, one per call. Once exhausted, Text is
	// returned.
	Texts []string

	// Text is returned when Texts is empty or exhausted.
	Text string

	// TranscribeFunc, if set, computes the result instead of Texts/Text.
	TranscribeFunc func(ctx context.Context, seg audio.Segment) (*stt.Transcript, error)

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Calls records every call to Transcribe.
	Calls []TranscribeCall

	next int
}

// Transcribe records the call and returns the next scripted transcript.
func (p *Provider) Transcribe(ctx context.Context, seg audio.Segment) (*stt.Transcript, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Segment: seg})
	if p.TranscribeFunc != nil {
		fn := p.TranscribeFunc
		p.mu.Unlock()
		return fn(ctx, seg)
	}
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	text := p.Text
	if p.next < len(p.Texts) {
		text = p.Texts[p.next]
		p.next++
	}
	return &stt.Transcript{Text: text, Provider: p.Name()}, nil
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// CallCount returns the number of Transcribe calls so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls and rewinds Texts. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.next = 0
}

var _ stt.Provider = (*Provider)(nil)
