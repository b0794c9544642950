// Package segment turns a continuous PCM chunk stream into bounded utterance
// candidates.
//
// [Buffer] applies peak-amplitude silence gating: it accumulates chunks and
// flushes once enough audio has been buffered and a long enough silence run
// was observed, or unconditionally at a hard duration cap. [Gate] is the
// optional RMS energy pre-filter that rejects segments which contain too
// little speech to be worth a transcription call.
//
// Neither type is safe for concurrent use; both are owned by the listener's
// segmentation loop.
package segment

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxmod/pkg/audio"
)

// Config bounds segment length and defines silence. All durations are
// converted to sample counts at [audio.SampleRate].
type Config struct {
	// SilenceThreshold is the peak amplitude below which a chunk counts as
	// silent. Default 1500.
	SilenceThreshold int

	// MinDuration is the shortest segment ever emitted. Default 2 s.
	MinDuration time.Duration

	// MaxDuration is the hard cap after which the buffer flushes regardless of
	// silence. Default 8 s.
	MaxDuration time.Duration

	// MaxSilence is the silence run that ends an utterance once MinDuration
	// has been reached. Default 3 s.
	MaxSilence time.Duration
}

// DefaultConfig returns the production segmentation settings.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold: 1500,
		MinDuration:      2 * time.Second,
		MaxDuration:      8 * time.Second,
		MaxSilence:       3 * time.Second,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SilenceThreshold <= 0 || c.SilenceThreshold > 32768 {
		errs = append(errs, errors.New("segment: silence threshold must be in (0, 32768]"))
	}
	if c.MinDuration <= 0 {
		errs = append(errs, errors.New("segment: min duration must be positive"))
	}
	if c.MaxDuration < c.MinDuration {
		errs = append(errs, errors.New("segment: max duration must not be below min duration"))
	}
	if c.MaxSilence <= 0 {
		errs = append(errs, errors.New("segment: max silence must be positive"))
	}
	return errors.Join(errs...)
}

// Buffer is the silence-gated segmenter.
type Buffer struct {
	threshold  int
	minSamples int
	maxSamples int
	maxSilence int
	now        func() time.Time

	samples    []int16
	silenceRun int
	firstSeq   uint64
	lastSeq    uint64
	hasSeq     bool
}

// NewBuffer creates a Buffer. Zero fields in cfg take their defaults.
func NewBuffer(cfg Config) *Buffer {
	def := DefaultConfig()
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = def.MinDuration
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.MaxSilence <= 0 {
		cfg.MaxSilence = def.MaxSilence
	}
	b := &Buffer{
		threshold:  cfg.SilenceThreshold,
		minSamples: audio.DurationSamples(cfg.MinDuration, audio.SampleRate),
		maxSamples: audio.DurationSamples(cfg.MaxDuration, audio.SampleRate),
		maxSilence: audio.DurationSamples(cfg.MaxSilence, audio.SampleRate),
		now:        time.Now,
	}
	if b.maxSamples < b.minSamples {
		b.maxSamples = b.minSamples
	}
	b.samples = make([]int16, 0, b.maxSamples)
	return b
}

// Buffered returns the number of samples currently held.
func (b *Buffer) Buffered() int { return len(b.samples) }

// SilenceRun returns the current run of consecutive silent samples.
func (b *Buffer) SilenceRun() int { return b.silenceRun }

// Push folds c into the buffer and returns the segments it completed, in
// order. Usually zero or one; a chunk larger than the hard cap can complete
// several. Samples beyond the hard cap carry over into the next segment so no
// emitted segment exceeds the maximum duration.
func (b *Buffer) Push(c audio.Chunk) []audio.Segment {
	if len(c.Samples) == 0 {
		return nil
	}
	silent := audio.Peak(c.Samples) < b.threshold
	if silent {
		b.silenceRun += len(c.Samples)
	} else {
		b.silenceRun = 0
	}

	var out []audio.Segment
	rest := c.Samples
	for len(rest) > 0 {
		if !b.hasSeq {
			b.firstSeq = c.Seq
			b.hasSeq = true
		}
		b.lastSeq = c.Seq

		take := min(b.maxSamples-len(b.samples), len(rest))
		b.samples = append(b.samples, rest[:take]...)
		rest = rest[take:]

		if len(b.samples) < b.maxSamples {
			continue
		}
		if seg, ok := b.emit(); ok {
			out = append(out, seg)
		}
		// A carried remainder keeps its chunk's silence classification.
		// One silent chunk longer than the cap therefore yields segments of
		// pure silence; the energy gate is what drops them. Capture-sized
		// chunks never get here.
		if silent {
			b.silenceRun = len(rest)
		}
	}

	if len(b.samples) >= b.minSamples && b.silenceRun >= b.maxSilence {
		if seg, ok := b.emit(); ok {
			out = append(out, seg)
		}
	}
	return out
}

// Flush emits whatever is buffered if it reaches the minimum duration and
// resets the buffer either way. It is called when the stream ends.
func (b *Buffer) Flush() (audio.Segment, bool) {
	return b.emit()
}

// Reset drops all buffered audio.
func (b *Buffer) Reset() {
	b.samples = b.samples[:0]
	b.silenceRun = 0
	b.hasSeq = false
}

// emit packages the buffer into a segment and clears it. Buffers shorter than
// the minimum duration are discarded.
func (b *Buffer) emit() (audio.Segment, bool) {
	defer b.Reset()
	if len(b.samples) < b.minSamples || len(b.samples) == 0 {
		return audio.Segment{}, false
	}
	seg := audio.Segment{
		ID:         uuid.New(),
		Samples:    append([]int16(nil), b.samples...),
		SampleRate: audio.SampleRate,
		FirstSeq:   b.firstSeq,
		LastSeq:    b.lastSeq,
		CreatedAt:  b.now(),
	}
	return seg, true
}
