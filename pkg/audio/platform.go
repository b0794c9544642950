// Package audio defines the PCM types and the capture abstraction shared by
// the listening pipeline.
//
// The primary abstraction is [Source]: a continuous stream of 16 kHz mono
// PCM delivered as [Chunk] values. The production implementation lives in
// audio/capture and pipes a stream-fetch tool into a transcoder; tests use
// audio/mock.
//
// This package lives under pkg/ because transcription providers and external
// capture adapters depend on its types.
package audio

import (
	"context"
	"fmt"
	"strings"
)

// Platform identifies the live-streaming service a channel belongs to.
type Platform string

const (
	PlatformTwitch Platform = "twitch"
	PlatformKick   Platform = "kick"
)

// ParsePlatform maps a case-insensitive name onto a known Platform.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformTwitch, PlatformKick:
		return p, nil
	default:
		return "", fmt.Errorf("audio: unknown platform %q", s)
	}
}

// String implements fmt.Stringer.
func (p Platform) String() string { return string(p) }

// Source is a continuous PCM stream backed by an external producer.
//
// Start begins capture and returns a channel of chunks. The channel is closed
// when the producer ends, when Stop is called, or when ctx is cancelled. After
// the channel closes, Err reports why: nil for a requested stop, non-nil for an
// unexpected end such as a crashed subprocess.
//
// A Source may be started again after its channel has closed. Implementations
// must be safe for concurrent calls to Stop and Err.
type Source interface {
	Start(ctx context.Context) (<-chan Chunk, error)
	Stop() error
	Err() error
}
