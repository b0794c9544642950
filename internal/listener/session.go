// Package listener runs a listening session: audio capture, silence-gated
// segmentation, bounded concurrent transcription, and hand-off of every
// surviving transcript to the command assembler.
//
// Three execution contexts are active while a [Session] runs:
//
//   - the capture loop inside the [audio.Source], reading the subprocess pipe;
//   - the segmentation loop, which folds chunks into segments and dispatches
//     each admitted segment to the transcription pool without waiting for it;
//   - transcription tasks, each of which filters its text, detects the wake
//     phrase and calls [command.Assembler.Handle].
//
// When capture ends unexpectedly the session restarts it with exponential
// backoff. A capture that ran longer than the maximum delay resets the
// attempt count.
//
// Usage:
//
//	s := listener.New(src, transcriber, asm,
//		listener.WithSegmentConfig(segCfg),
//		listener.WithWorkers(4),
//	)
//	go func() { _ = s.Run(ctx) }()
//	…
//	_ = s.Stop()
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxmod/internal/command"
	"github.com/MrWong99/voxmod/internal/observe"
	"github.com/MrWong99/voxmod/internal/resilience"
	"github.com/MrWong99/voxmod/internal/segment"
	"github.com/MrWong99/voxmod/internal/transcript"
	"github.com/MrWong99/voxmod/internal/wake"
	"github.com/MrWong99/voxmod/pkg/audio"
	"github.com/MrWong99/voxmod/pkg/provider/stt"
)

// Defaults for the transcription pool and shutdown.
const (
	DefaultWorkers           = 4
	DefaultQueueDepth        = 8
	DefaultTranscribeTimeout = 30 * time.Second
	DefaultStopTimeout       = 5 * time.Second
)

// Segment outcomes recorded in metrics besides the gate's rejection reasons.
const (
	OutcomeTranscribe = "transcribe"
	OutcomeOverloaded = "overloaded"
)

var (
	// ErrAlreadyRunning is returned by Run while the session is running.
	ErrAlreadyRunning = errors.New("listener: session already running")

	// ErrClosed is returned by Run after the session has been stopped.
	ErrClosed = errors.New("listener: session closed")

	// ErrStopTimeout is returned by Stop when the loops did not finish in
	// time.
	ErrStopTimeout = errors.New("listener: timed out waiting for session to stop")

	// ErrStreamEnded is the restart cause when capture ends without error
	// and without a stop request.
	ErrStreamEnded = errors.New("listener: audio stream ended")
)

// Option is a functional option for [New].
type Option func(*Session)

// WithSegmentConfig sets the segmentation parameters.
func WithSegmentConfig(cfg segment.Config) Option {
	return func(s *Session) { s.segCfg = cfg }
}

// WithGate sets the energy gate applied before transcription.
func WithGate(g *segment.Gate) Option {
	return func(s *Session) { s.gate = g }
}

// WithFilter sets the transcript filter.
func WithFilter(f *transcript.Filter) Option {
	return func(s *Session) { s.filter = f }
}

// WithWorkers sets how many transcriptions run at once. Default: 4.
func WithWorkers(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueDepth sets how many admitted segments may wait for a worker.
// Segments beyond that are dropped. Default: 8.
func WithQueueDepth(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.queueDepth = n
		}
	}
}

// WithTranscribeTimeout bounds one transcription call. Default: 30s.
func WithTranscribeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.transcribeTimeout = d
		}
	}
}

// WithBackoff sets the capture restart schedule.
func WithBackoff(b resilience.Backoff) Option {
	return func(s *Session) { s.backoff = b }
}

// WithStopTimeout bounds how long Stop waits for the loops. Default: 5s.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock overrides the clock used for utterance timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// Session is one listening session. It is single-use: once Run has
// returned, Run reports [ErrClosed].
type Session struct {
	source      audio.Source
	transcriber stt.Provider
	assembler   *command.Assembler
	detector    *wake.Detector

	segCfg            segment.Config
	gate              *segment.Gate
	filter            *transcript.Filter
	workers           int
	queueDepth        int
	transcribeTimeout time.Duration
	backoff           resilience.Backoff
	stopTimeout       time.Duration
	metrics           *observe.Metrics
	now               func() time.Time

	// admit bounds queued plus running tasks; work bounds running tasks.
	admit *semaphore.Weighted
	work  *semaphore.Weighted

	capturing atomic.Bool
	restarts  atomic.Int64
	inflight  sync.WaitGroup

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Session. The wake phrase detector is taken from the
// assembler.
func New(source audio.Source, transcriber stt.Provider, assembler *command.Assembler, opts ...Option) *Session {
	s := &Session{
		source:            source,
		transcriber:       transcriber,
		assembler:         assembler,
		detector:          assembler.Detector(),
		segCfg:            segment.DefaultConfig(),
		workers:           DefaultWorkers,
		queueDepth:        DefaultQueueDepth,
		transcribeTimeout: DefaultTranscribeTimeout,
		stopTimeout:       DefaultStopTimeout,
		now:               time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.gate == nil {
		s.gate = segment.NewGate(segment.DefaultGateConfig())
	}
	if s.filter == nil {
		s.filter = transcript.NewFilter(transcript.Config{})
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.admit = semaphore.NewWeighted(int64(s.workers + s.queueDepth))
	s.work = semaphore.NewWeighted(int64(s.workers))
	return s
}

// Capturing reports whether audio capture is currently running.
func (s *Session) Capturing() bool { return s.capturing.Load() }

// Restarts returns how many times capture has been restarted.
func (s *Session) Restarts() int64 { return s.restarts.Load() }

// Run captures and processes audio until ctx is done, Stop is called, or
// capture restarts are exhausted. It returns nil after a stop or
// cancellation.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.running:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		cancel()
		s.assembler.Close()
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		s.mu.Lock()
		s.running = false
		s.closed = true
		s.mu.Unlock()
		close(done)
	}()

	log := observe.Logger(ctx)
	attempt := 0
	for {
		start := time.Now()
		err := s.capture(ctx)
		if ctx.Err() != nil {
			log.Info("listener: session stopped")
			return nil
		}
		if time.Since(start) > s.backoff.Cap() {
			attempt = 0
		}
		attempt++
		if s.backoff.Exhausted(attempt) {
			log.Error("listener: capture restarts exhausted", "attempts", attempt-1, "err", err)
			return fmt.Errorf("listener: giving up after %d restarts: %w", attempt-1, err)
		}
		delay := s.backoff.Delay(attempt)
		s.restarts.Add(1)
		s.metrics.CaptureRestarts.Add(ctx, 1)
		log.Warn("listener: capture ended, restarting", "attempt", attempt, "backoff", delay, "err", err)
		if err := resilience.Sleep(ctx, delay); err != nil {
			log.Info("listener: session stopped")
			return nil
		}
	}
}

// Stop cancels the session and waits, up to the stop timeout, for the
// capture and segmentation loops to finish. In-flight transcriptions are
// cancelled and abandoned. Stop on a session that is not running is a
// no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(s.stopTimeout):
		// The loops are stuck; force the subprocesses down.
		if err := s.source.Stop(); err != nil {
			observe.Logger(context.Background()).Warn("listener: forced capture stop failed", "err", err)
		}
		return ErrStopTimeout
	}
}

// capture runs one capture attempt and returns why it ended.
func (s *Session) capture(ctx context.Context) error {
	chunks, err := s.source.Start(ctx)
	if err != nil {
		return fmt.Errorf("listener: start capture: %w", err)
	}
	s.capturing.Store(true)
	defer s.capturing.Store(false)

	stopSource := context.AfterFunc(ctx, func() {
		if err := s.source.Stop(); err != nil {
			observe.Logger(ctx).Warn("listener: capture stop failed", "err", err)
		}
	})
	defer stopSource()

	g, gctx := errgroup.WithContext(ctx)
	segments := make(chan audio.Segment, 1)

	// Segmentation loop.
	g.Go(func() error {
		defer close(segments)
		defer func() { go audio.Drain(chunks) }()
		buf := segment.NewBuffer(s.segCfg)
		for c := range chunks {
			for _, seg := range buf.Push(c) {
				select {
				case segments <- seg:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		if tail, ok := buf.Flush(); ok {
			select {
			case segments <- tail:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		if err := s.source.Err(); err != nil {
			return fmt.Errorf("listener: capture: %w", err)
		}
		return ErrStreamEnded
	})

	// Dispatch loop.
	g.Go(func() error {
		for seg := range segments {
			s.dispatch(ctx, seg)
		}
		return nil
	})

	return g.Wait()
}

// dispatch gates seg and hands it to the transcription pool without waiting
// for the result.
func (s *Session) dispatch(ctx context.Context, seg audio.Segment) {
	log := observe.Logger(ctx)
	secs := seg.Duration().Seconds()

	if ok, reason := s.gate.Admit(seg.Samples); !ok {
		s.metrics.RecordSegment(ctx, reason, secs)
		log.Debug("listener: segment dropped by energy gate", "segment", seg.ID, "reason", reason, "seconds", secs)
		return
	}
	if !s.admit.TryAcquire(1) {
		s.metrics.RecordSegment(ctx, OutcomeOverloaded, secs)
		log.Warn("listener: transcription queue full, dropping segment", "segment", seg.ID)
		return
	}
	s.metrics.RecordSegment(ctx, OutcomeTranscribe, secs)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.admit.Release(1)
		if err := s.work.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.work.Release(1)
		s.transcribe(ctx, seg)
	}()
}

// transcribe turns seg into an utterance and feeds the assembler. Every
// failure drops the segment.
func (s *Session) transcribe(ctx context.Context, seg audio.Segment) {
	ctx, span := observe.StartSpan(ctx, "listener.transcribe")
	defer span.End()
	log := observe.Logger(ctx)
	name := s.transcriber.Name()

	s.metrics.InFlightTranscriptions.Add(ctx, 1)
	defer s.metrics.InFlightTranscriptions.Add(context.Background(), -1)

	tctx, cancel := context.WithTimeout(ctx, s.transcribeTimeout)
	defer cancel()
	start := time.Now()
	tr, err := s.transcriber.Transcribe(tctx, seg)
	s.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", name)))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		observe.FailSpan(span, err)
		s.metrics.RecordProviderRequest(ctx, name, "stt", "error")
		s.metrics.RecordProviderError(ctx, name, "stt")
		log.Warn("listener: transcription failed, dropping segment", "segment", seg.ID, "provider", name, "err", err)
		return
	}
	s.metrics.RecordProviderRequest(ctx, name, "stt", "ok")

	text, reason := s.filter.Check(tr.Text)
	if reason != "" {
		s.metrics.TranscriptsFiltered.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		log.Debug("listener: transcript filtered", "segment", seg.ID, "text", tr.Text, "reason", reason)
		return
	}

	hasWake := s.detector.Contains(text)
	if hasWake {
		s.metrics.WakeDetections.Add(ctx, 1)
		log.Info("listener: wake phrase detected", "segment", seg.ID, "text", text)
	} else {
		log.Debug("listener: transcript", "segment", seg.ID, "text", text)
	}
	if ctx.Err() != nil {
		return
	}
	s.assembler.Handle(ctx, command.Utterance{
		Text:        text,
		HasWakeWord: hasWake,
		ObservedAt:  s.now(),
		SegmentID:   seg.ID,
	})
}

// Wait blocks until every dispatched transcription task has finished.
func (s *Session) Wait() {
	s.inflight.Wait()
}
