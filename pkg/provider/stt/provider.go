// Package stt defines the Provider interface for Speech-to-Text backends.
//
// voxmod transcribes bounded audio segments rather than continuous streams:
// the segmenter decides where an utterance ends, and each segment is sent
// to the provider exactly once as a WAV file. A Provider therefore exposes a
// single blocking Transcribe call.
//
// Implementations must be safe for concurrent use; the listener runs several
// transcriptions in parallel.
package stt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxmod/pkg/audio"
)

// Transcript is the result of transcribing one segment.
type Transcript struct {
	// Text is the transcribed speech content. It may be empty when the
	// segment contained no recognisable speech.
	Text string

	// Language is the detected or configured language, when reported.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report one.
	Confidence float64

	// Provider names the backend that produced the transcript.
	Provider string

	// Latency is the wall-clock time the request took.
	Latency time.Duration
}

// Provider is the abstraction over any batch transcription backend.
type Provider interface {
	// Transcribe converts seg into text. It blocks until the backend answers,
	// ctx is cancelled, or the request fails. Non-success HTTP responses are
	// reported as [*StatusError].
	Transcribe(ctx context.Context, seg audio.Segment) (*Transcript, error)

	// Name identifies the backend in logs and metrics.
	Name() string
}

// StatusError reports a non-success HTTP response from a transcription
// endpoint.
type StatusError struct {
	Provider   string
	StatusCode int

	// Body holds at most the first 512 bytes of the response body.
	Body string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether retrying later could succeed (rate limits and
// server errors).
func (e *StatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// ErrorBodyLimit is how much of an error response body providers keep.
const ErrorBodyLimit = 512

// CheckResponse returns a [*StatusError] for any non-2xx response. The body
// is partially consumed in that case; the caller still closes it.
func CheckResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, ErrorBodyLimit))
	return &StatusError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
