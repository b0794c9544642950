// Package capture implements [audio.Source] on top of an external process
// pipeline: a stream-fetch tool (streamlink) writes the live stream's media to
// its stdout, which is piped into a transcoder (ffmpeg) that emits 16 kHz mono
// signed 16-bit little-endian PCM on its own stdout.
//
// Usage:
//
//	src, err := capture.New(audio.PlatformTwitch, "https://twitch.tv/somechannel",
//	    capture.WithChunkSamples(1024),
//	)
//	chunks, err := src.Start(ctx)
//	for c := range chunks { ... }
//	if err := src.Err(); err != nil { /* subprocess died; restart with backoff */ }
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/voxmod/pkg/audio"
)

const (
	defaultStreamlinkPath = "streamlink"
	defaultFFmpegPath     = "ffmpeg"
	defaultChunkSamples   = 1024
	defaultStopGrace      = 5 * time.Second

	// killWait bounds how long Stop waits for the reader to observe the end of
	// the stream after the processes were killed.
	killWait = 2 * time.Second

	readBufferSize = 64 * 1024
)

var (
	// ErrAlreadyRunning is returned by Start while a previous capture is live.
	ErrAlreadyRunning = errors.New("capture: source already running")

	// ErrStopTimeout is returned by Stop when the pipeline did not exit even
	// after being killed.
	ErrStopTimeout = errors.New("capture: pipeline did not exit in time")
)

var _ audio.Source = (*Source)(nil)

// CommandFunc builds an unstarted command. It exists so tests can substitute
// the executables.
type CommandFunc func(name string, args ...string) *exec.Cmd

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithStreamlinkPath overrides the stream-fetch executable. Defaults to
// "streamlink" resolved through PATH.
func WithStreamlinkPath(path string) Option {
	return func(s *Source) { s.streamlinkPath = path }
}

// WithFFmpegPath overrides the transcoder executable. Defaults to "ffmpeg".
func WithFFmpegPath(path string) Option {
	return func(s *Source) { s.ffmpegPath = path }
}

// WithChunkSamples sets the number of samples per delivered chunk.
// Defaults to 1024 (64 ms at 16 kHz).
func WithChunkSamples(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.chunkSamples = n
		}
	}
}

// WithStopGrace sets how long Stop waits after SIGTERM before killing the
// processes. Defaults to 5 s.
func WithStopGrace(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

// WithCommandFunc replaces exec.Command for both pipeline stages.
func WithCommandFunc(fn CommandFunc) Option {
	return func(s *Source) { s.command = fn }
}

// Source captures a live stream's audio through streamlink and ffmpeg.
type Source struct {
	platform       audio.Platform
	url            string
	streamlinkPath string
	ffmpegPath     string
	chunkSamples   int
	stopGrace      time.Duration
	command        CommandFunc

	mu       sync.Mutex
	running  bool
	stopping bool
	procs    []*exec.Cmd
	stopCh   chan struct{}
	done     chan struct{}
	err      error
}

// New creates a Source for the stream at url. Nothing is started until
// [Source.Start] is called.
func New(platform audio.Platform, url string, opts ...Option) (*Source, error) {
	if url == "" {
		return nil, errors.New("capture: stream url must not be empty")
	}
	if _, err := audio.ParsePlatform(string(platform)); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	s := &Source{
		platform:       platform,
		url:            url,
		streamlinkPath: defaultStreamlinkPath,
		ffmpegPath:     defaultFFmpegPath,
		chunkSamples:   defaultChunkSamples,
		stopGrace:      defaultStopGrace,
		command:        exec.Command,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// StreamlinkArgs returns the stream-fetch arguments for platform. Twitch
// streams request the audio-only rendition and skip embedded ads.
func StreamlinkArgs(platform audio.Platform, url string) []string {
	args := []string{"--stdout"}
	quality := "worst"
	if platform == audio.PlatformTwitch {
		args = append(args, "--twitch-disable-ads")
		quality = "audio_only,worst"
	}
	args = append(args, "--retry-streams", "5", "--retry-open", "3", url, quality)
	return args
}

// FFmpegArgs returns the transcoder arguments that turn the fetched media on
// stdin into raw mono PCM at [audio.SampleRate] on stdout.
func FFmpegArgs() []string {
	return []string{
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-acodec", "pcm_s16le",
		"-loglevel", "error",
		"-",
	}
}

// Start launches the pipeline and returns the chunk channel. Cancelling ctx
// has the same effect as calling [Source.Stop].
func (s *Source) Start(ctx context.Context) (<-chan audio.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("capture: context already cancelled: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrAlreadyRunning
	}

	fetch := s.command(s.streamlinkPath, StreamlinkArgs(s.platform, s.url)...)
	transcode := s.command(s.ffmpegPath, FFmpegArgs()...)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("capture: create pipe: %w", err)
	}
	fetch.Stdout = pw
	transcode.Stdin = pr

	stdout, err := transcode.StdoutPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("capture: transcoder stdout: %w", err)
	}
	fetch.Stderr = stderrLogger("streamlink")
	transcode.Stderr = stderrLogger("ffmpeg")

	if err := fetch.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("capture: start %s: %w", s.streamlinkPath, err)
	}
	if err := transcode.Start(); err != nil {
		pr.Close()
		pw.Close()
		_ = fetch.Process.Kill()
		_ = fetch.Wait()
		return nil, fmt.Errorf("capture: start %s: %w", s.ffmpegPath, err)
	}
	// The children hold their own copies of the pipe ends.
	pr.Close()
	pw.Close()

	s.running = true
	s.stopping = false
	s.err = nil
	s.procs = []*exec.Cmd{fetch, transcode}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	out := make(chan audio.Chunk, 16)
	go s.readLoop(stdout, out, s.stopCh, s.done)
	go func(done chan struct{}) {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-done:
		}
	}(s.done)

	slog.Info("capture: pipeline started", "platform", s.platform, "url", s.url)
	return out, nil
}

// readLoop reads fixed-size chunks until the transcoder's stdout closes, then
// reaps both processes and records why the stream ended.
func (s *Source) readLoop(stdout io.Reader, out chan<- audio.Chunk, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	readErr := ReadChunks(stdout, s.chunkSamples, out, stop)

	s.mu.Lock()
	procs := s.procs
	s.mu.Unlock()

	// Whatever ended the stream, neither process is useful any more.
	for _, p := range procs {
		if p.Process != nil {
			_ = p.Process.Signal(syscall.SIGTERM)
		}
	}
	reaper := time.AfterFunc(s.stopGrace, func() {
		for _, p := range procs {
			if p.Process != nil {
				_ = p.Process.Kill()
			}
		}
	})
	defer reaper.Stop()

	var waitErr error
	for i := len(procs) - 1; i >= 0; i-- {
		if err := procs[i].Wait(); err != nil && waitErr == nil {
			waitErr = err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.procs = nil
	if s.stopping {
		s.err = nil
		return
	}
	switch {
	case readErr != nil:
		s.err = fmt.Errorf("capture: read pipeline output: %w", readErr)
	case waitErr != nil:
		s.err = fmt.Errorf("capture: pipeline exited: %w", waitErr)
	default:
		s.err = fmt.Errorf("capture: pipeline exited: %w", io.EOF)
	}
	slog.Warn("capture: stream ended unexpectedly", "platform", s.platform, "err", s.err)
}

// Stop terminates the pipeline: SIGTERM first, SIGKILL after the grace
// period. Stop blocks until the chunk channel is closed or the kill deadline
// passes. Calling Stop on an idle Source is a no-op.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	if !s.stopping {
		s.stopping = true
		close(s.stopCh)
		for _, p := range s.procs {
			if p.Process == nil {
				continue
			}
			if err := p.Process.Signal(syscall.SIGTERM); err != nil {
				_ = p.Process.Kill()
			}
		}
	}
	procs := s.procs
	done := s.done
	grace := s.stopGrace
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}

	slog.Warn("capture: pipeline ignored SIGTERM, killing", "grace", grace)
	for _, p := range procs {
		if p.Process != nil {
			_ = p.Process.Kill()
		}
	}
	select {
	case <-done:
		return nil
	case <-time.After(killWait):
		return ErrStopTimeout
	}
}

// Err reports why the last chunk channel closed. It is nil while running and
// after a requested stop.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ReadChunks reads r in blocks of chunkSamples samples and sends them on out
// until r is exhausted or stop is closed. A short final block is delivered as
// is. It returns nil on a clean EOF or stop.
func ReadChunks(r io.Reader, chunkSamples int, out chan<- audio.Chunk, stop <-chan struct{}) error {
	br := bufio.NewReaderSize(r, readBufferSize)
	buf := make([]byte, chunkSamples*audio.BytesPerSample)
	var seq uint64
	for {
		n, err := io.ReadFull(br, buf)
		if n >= audio.BytesPerSample {
			c := audio.Chunk{
				Seq:        seq,
				Samples:    audio.BytesToSamples(buf[:n]),
				ReceivedAt: time.Now(),
			}
			seq++
			select {
			case out <- c:
			case <-stop:
				return nil
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			select {
			case <-stop:
				return nil
			default:
				return err
			}
		}
	}
}

// stderrLogger forwards a subprocess's diagnostic output to the debug log.
type stderrLogger string

func (l stderrLogger) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) > 0 {
			slog.Debug("capture: subprocess stderr", "process", string(l), "line", string(line))
		}
	}
	return len(p), nil
}
