package listener_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxmod/internal/command"
	"github.com/MrWong99/voxmod/internal/listener"
	"github.com/MrWong99/voxmod/internal/resilience"
	"github.com/MrWong99/voxmod/internal/segment"
	"github.com/MrWong99/voxmod/internal/wake"
	"github.com/MrWong99/voxmod/pkg/audio"
	audiomock "github.com/MrWong99/voxmod/pkg/audio/mock"
	"github.com/MrWong99/voxmod/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxmod/pkg/provider/stt/mock"
)

const chunkSamples = 1600 // 100 ms

func speechChunk() audio.Chunk {
	s := make([]int16, chunkSamples)
	for i := range s {
		s[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	return audio.Chunk{Samples: s}
}

func silenceChunk() audio.Chunk {
	return audio.Chunk{Samples: make([]int16, chunkSamples)}
}

// utterance is 600 ms of tone followed by 300 ms of silence, which completes
// one segment under testSegmentConfig.
func utterance() []audio.Chunk {
	var out []audio.Chunk
	for range 6 {
		out = append(out, speechChunk())
	}
	for range 3 {
		out = append(out, silenceChunk())
	}
	return out
}

func testSegmentConfig() segment.Config {
	return segment.Config{
		SilenceThreshold: 1500,
		MinDuration:      500 * time.Millisecond,
		MaxDuration:      2 * time.Second,
		MaxSilence:       200 * time.Millisecond,
	}
}

type recordingSink struct {
	mu           sync.Mutex
	commands     []command.Command
	unrecognized []string
}

func (s *recordingSink) Dispatch(_ context.Context, cmd command.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
}

func (s *recordingSink) Unrecognized(_ context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unrecognized = append(s.unrecognized, text)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

// clearParser recognises any text starting with "clear".
var clearParser = command.ParserFunc(func(_ context.Context, text string) (*command.Intent, error) {
	if strings.HasPrefix(strings.ToLower(text), "clear") {
		return &command.Intent{Action: command.ActionClear}, nil
	}
	return nil, nil
})

func newAssembler(t *testing.T) (*command.Assembler, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	a := command.NewAssembler(wake.MustNew("hey", "brian"), clearParser, sink)
	t.Cleanup(a.Close)
	return a, sink
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runSession(t *testing.T, s *listener.Session) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	return errc
}

func TestSession_DispatchesCommand(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{Chunks: utterance(), HoldOpen: true}
	tr := &sttmock.Provider{Text: "Hey Brian, clear the chat."}
	asm, sink := newAssembler(t)

	s := listener.New(src, tr, asm, listener.WithSegmentConfig(testSegmentConfig()))
	errc := runSession(t, s)

	waitFor(t, "dispatched command", func() bool { return sink.count() == 1 })
	if !s.Capturing() {
		t.Error("Capturing() = false while running")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errc; err != nil {
		t.Errorf("Run: %v", err)
	}
	s.Wait()

	sink.mu.Lock()
	cmd := sink.commands[0]
	sink.mu.Unlock()
	if cmd.Intent.Action != command.ActionClear || !strings.HasPrefix(cmd.Text, "clear the chat") {
		t.Errorf("command = %+v", cmd)
	}
	if s.Capturing() {
		t.Error("Capturing() = true after Stop")
	}
}

func TestSession_SplitCommandAcrossSegments(t *testing.T) {
	t.Parallel()
	chunks := append(utterance(), utterance()...)
	src := &audiomock.Source{Chunks: chunks, HoldOpen: true}
	// Segments are transcribed one at a time so the utterances arrive in order.
	tr := &sttmock.Provider{Texts: []string{"hey brian", "clear chat"}}
	asm, sink := newAssembler(t)

	s := listener.New(src, tr, asm, listener.WithSegmentConfig(testSegmentConfig()), listener.WithWorkers(1))
	errc := runSession(t, s)

	waitFor(t, "combined command", func() bool { return sink.count() == 1 })
	_ = s.Stop()
	<-errc

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.commands[0].Combined {
		t.Errorf("command = %+v, want combined", sink.commands[0])
	}
}

func TestSession_TranscriptionFailureDropsSegment(t *testing.T) {
	t.Parallel()
	chunks := append(utterance(), utterance()...)
	src := &audiomock.Source{Chunks: chunks, HoldOpen: true}
	var (
		mu    sync.Mutex
		calls int
	)
	tr := &sttmock.Provider{TranscribeFunc: func(context.Context, audio.Segment) (*stt.Transcript, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, &stt.StatusError{Provider: "mock", StatusCode: 503}
		}
		return &stt.Transcript{Text: "hey brian clear"}, nil
	}}
	asm, sink := newAssembler(t)

	s := listener.New(src, tr, asm, listener.WithSegmentConfig(testSegmentConfig()), listener.WithWorkers(1))
	errc := runSession(t, s)

	waitFor(t, "command after failed segment", func() bool { return sink.count() == 1 })
	_ = s.Stop()
	if err := <-errc; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestSession_FilteredAndQuietSegmentsNeverReachAssembler(t *testing.T) {
	t.Parallel()
	var chunks []audio.Chunk
	for range 8 {
		chunks = append(chunks, silenceChunk())
	}
	chunks = append(chunks, utterance()...)
	src := &audiomock.Source{Chunks: chunks, HoldOpen: true}
	tr := &sttmock.Provider{Text: "Thank you."}
	asm, sink := newAssembler(t)

	s := listener.New(src, tr, asm, listener.WithSegmentConfig(testSegmentConfig()))
	errc := runSession(t, s)

	waitFor(t, "transcription", func() bool { return tr.CallCount() >= 1 })
	_ = s.Stop()
	<-errc
	s.Wait()

	if n := tr.CallCount(); n != 1 {
		t.Errorf("transcribed %d segments, want 1 (silence is gated)", n)
	}
	if sink.count() != 0 || len(sink.unrecognized) != 0 || asm.State() != command.StateIdle {
		t.Error("filtered transcript reached the assembler")
	}
}

func TestSession_RestartsAndGivesUp(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{Chunks: utterance()}
	tr := &sttmock.Provider{Text: "hello there"}
	asm, _ := newAssembler(t)

	s := listener.New(src, tr, asm,
		listener.WithSegmentConfig(testSegmentConfig()),
		listener.WithBackoff(resilience.Backoff{Initial: time.Millisecond, Max: time.Minute, MaxAttempts: 2}),
	)
	err := s.Run(context.Background())
	if !errors.Is(err, listener.ErrStreamEnded) {
		t.Fatalf("Run = %v, want ErrStreamEnded", err)
	}
	if src.StartCalls != 3 {
		t.Errorf("StartCalls = %d, want 3", src.StartCalls)
	}
	if s.Restarts() != 2 {
		t.Errorf("Restarts() = %d, want 2", s.Restarts())
	}
}

func TestSession_StartErrorIsRetried(t *testing.T) {
	t.Parallel()
	boom := errors.New("streamlink not found")
	src := &audiomock.Source{StartErr: boom}
	asm, _ := newAssembler(t)

	s := listener.New(src, &sttmock.Provider{}, asm,
		listener.WithBackoff(resilience.Backoff{Initial: time.Millisecond, Max: time.Minute, MaxAttempts: 1}),
	)
	err := s.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want wrapped start error", err)
	}
	if src.StartCalls != 2 {
		t.Errorf("StartCalls = %d, want 2", src.StartCalls)
	}
}

func TestSession_CaptureErrorIsReported(t *testing.T) {
	t.Parallel()
	pipeErr := errors.New("ffmpeg exited")
	src := &audiomock.Source{EndErr: pipeErr}
	asm, _ := newAssembler(t)

	s := listener.New(src, &sttmock.Provider{}, asm,
		listener.WithBackoff(resilience.Backoff{Initial: time.Millisecond, Max: time.Minute, MaxAttempts: 1}),
	)
	if err := s.Run(context.Background()); !errors.Is(err, pipeErr) {
		t.Fatalf("Run = %v, want wrapped capture error", err)
	}
}

func TestSession_QueueFullDropsSegments(t *testing.T) {
	t.Parallel()
	var chunks []audio.Chunk
	for range 3 {
		chunks = append(chunks, utterance()...)
	}
	src := &audiomock.Source{Chunks: chunks, HoldOpen: true}
	tr := &sttmock.Provider{TranscribeFunc: func(ctx context.Context, _ audio.Segment) (*stt.Transcript, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	asm, _ := newAssembler(t)

	s := listener.New(src, tr, asm,
		listener.WithSegmentConfig(testSegmentConfig()),
		listener.WithWorkers(1),
		listener.WithQueueDepth(0),
	)
	errc := runSession(t, s)

	waitFor(t, "first transcription", func() bool { return tr.CallCount() == 1 })
	time.Sleep(100 * time.Millisecond)
	_ = s.Stop()
	<-errc
	s.Wait()

	if n := tr.CallCount(); n != 1 {
		t.Errorf("transcribed %d segments, want 1 while the only worker was busy", n)
	}
}

func TestSession_SingleUse(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{HoldOpen: true}
	asm, _ := newAssembler(t)
	s := listener.New(src, &sttmock.Provider{}, asm)

	errc := runSession(t, s)
	waitFor(t, "capture start", s.Capturing)
	if err := s.Run(context.Background()); !errors.Is(err, listener.ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}
	_ = s.Stop()
	<-errc
	if err := s.Run(context.Background()); !errors.Is(err, listener.ErrClosed) {
		t.Errorf("Run after stop = %v, want ErrClosed", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
}

func TestSession_StopBeforeRun(t *testing.T) {
	t.Parallel()
	asm, _ := newAssembler(t)
	s := listener.New(&audiomock.Source{}, &sttmock.Provider{}, asm)
	if err := s.Stop(); err != nil {
		t.Errorf("Stop = %v, want nil", err)
	}
}

func TestSession_ParentCancelStops(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{HoldOpen: true}
	asm, _ := newAssembler(t)
	s := listener.New(src, &sttmock.Provider{}, asm)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	waitFor(t, "capture start", s.Capturing)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// stubbornSource ignores context cancellation and the first Stop, like a
// pipeline that does not react to SIGTERM. Its channel closes on the second
// Stop.
type stubbornSource struct {
	mu     sync.Mutex
	stops  int
	chunks chan audio.Chunk
}

func (s *stubbornSource) Start(context.Context) (<-chan audio.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = make(chan audio.Chunk)
	return s.chunks, nil
}

func (s *stubbornSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	if s.stops == 2 {
		close(s.chunks)
	}
	return nil
}

func (s *stubbornSource) Err() error { return nil }

func (s *stubbornSource) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func TestSession_StopTimeoutForcesCapture(t *testing.T) {
	t.Parallel()
	src := &stubbornSource{}
	asm, _ := newAssembler(t)
	s := listener.New(src, &sttmock.Provider{}, asm, listener.WithStopTimeout(50*time.Millisecond))

	errc := runSession(t, s)
	waitFor(t, "capture start", s.Capturing)

	start := time.Now()
	if err := s.Stop(); !errors.Is(err, listener.ErrStopTimeout) {
		t.Fatalf("Stop = %v, want ErrStopTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %s, want it bounded by the stop timeout", elapsed)
	}
	// Graceful stop on cancel plus the forced stop after the timeout.
	waitFor(t, "forced source stop", func() bool { return src.stopCount() == 2 })

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the forced stop")
	}
}
