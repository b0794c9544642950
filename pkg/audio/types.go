package audio

import (
	"time"

	"github.com/google/uuid"
)

// Stream format produced by every [Source]: signed 16-bit little-endian PCM,
// mono, 16 kHz. Transcription providers and the segmenter assume this format.
const (
	SampleRate     = 16000
	Channels       = 1
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8
)

// Chunk is a fixed-size block of PCM samples read from a [Source].
// Chunks are owned transiently by the segmenter and discarded once folded into
// a [Segment] or dropped as silence.
type Chunk struct {
	// Seq is the monotonic arrival order, starting at 0 for each Start call.
	Seq uint64

	// Samples holds mono PCM samples. The final chunk of a stream may be shorter
	// than the configured chunk size.
	Samples []int16

	// ReceivedAt is the wall-clock time the chunk was read from the pipe.
	ReceivedAt time.Time
}

// Segment is an ordered concatenation of chunks bounded by the segmenter's
// minimum and maximum durations. A Segment is handed to exactly one
// transcription attempt and never persisted.
type Segment struct {
	ID uuid.UUID

	// Samples is the concatenated mono PCM of all contributing chunks.
	Samples []int16

	// SampleRate in Hz. Zero means [SampleRate].
	SampleRate int

	// FirstSeq and LastSeq are the sequence numbers of the first and last chunk
	// that contributed samples.
	FirstSeq uint64
	LastSeq  uint64

	// CreatedAt marks when the segmenter emitted the segment.
	CreatedAt time.Time
}

// Rate returns the segment's sample rate, defaulting to [SampleRate].
func (s Segment) Rate() int {
	if s.SampleRate <= 0 {
		return SampleRate
	}
	return s.SampleRate
}

// Duration returns the playback length of the segment.
func (s Segment) Duration() time.Duration {
	return SamplesDuration(len(s.Samples), s.Rate())
}

// SamplesDuration converts a sample count at rate Hz into a duration.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// DurationSamples converts d into a sample count at rate Hz, truncating.
func DurationSamples(d time.Duration, rate int) int {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return int(d * time.Duration(rate) / time.Second)
}
