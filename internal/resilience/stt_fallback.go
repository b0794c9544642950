package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voxmod/pkg/audio"
	"github.com/MrWong99/voxmod/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several STT
// backends. Each segment is sent to exactly one backend: a failed segment is
// returned as an error and not retried elsewhere, but the failure counts
// against that backend's breaker so later segments move to the next backend
// once it opens. The returned transcript's Provider field names the backend
// that answered.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend. Client errors (4xx other than 429) do not trip the breaker; they
// point at the request, not at the backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = sttIsFailure
	}
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

func sttIsFailure(err error) bool {
	if !defaultIsFailure(err) {
		return false
	}
	var se *stt.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends the segment to the first provider whose breaker is not
// open. It makes at most one provider call.
func (f *STTFallback) Transcribe(ctx context.Context, seg audio.Segment) (*stt.Transcript, error) {
	return ExecuteFirst(ctx, f.group, func(p stt.Provider) (*stt.Transcript, error) {
		return p.Transcribe(ctx, seg)
	})
}

// Name returns the primary's name.
func (f *STTFallback) Name() string {
	return f.group.entries[0].value.Name()
}
