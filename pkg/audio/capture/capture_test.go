package capture_test

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxmod/pkg/audio"
	"github.com/MrWong99/voxmod/pkg/audio/capture"
)

func TestStreamlinkArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		platform audio.Platform
		want     []string
	}{
		{
			platform: audio.PlatformTwitch,
			want: []string{"--stdout", "--twitch-disable-ads", "--retry-streams", "5",
				"--retry-open", "3", "https://twitch.tv/x", "audio_only,worst"},
		},
		{
			platform: audio.PlatformKick,
			want: []string{"--stdout", "--retry-streams", "5", "--retry-open", "3",
				"https://twitch.tv/x", "worst"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.platform.String(), func(t *testing.T) {
			t.Parallel()
			got := capture.StreamlinkArgs(tt.platform, "https://twitch.tv/x")
			if !slices.Equal(got, tt.want) {
				t.Errorf("StreamlinkArgs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFFmpegArgs(t *testing.T) {
	t.Parallel()
	got := capture.FFmpegArgs()
	want := []string{"-i", "pipe:0", "-f", "s16le", "-ar", "16000", "-ac", "1",
		"-acodec", "pcm_s16le", "-loglevel", "error", "-"}
	if !slices.Equal(got, want) {
		t.Errorf("FFmpegArgs = %v, want %v", got, want)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := capture.New(audio.PlatformTwitch, ""); err == nil {
		t.Error("New with empty url: expected error")
	}
	if _, err := capture.New("youtube", "https://example.com"); err == nil {
		t.Error("New with unknown platform: expected error")
	}
}

func TestStop_IdleIsNoop(t *testing.T) {
	t.Parallel()
	src, err := capture.New(audio.PlatformKick, "https://kick.com/x")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Errorf("Stop on idle source: %v", err)
	}
	if err := src.Err(); err != nil {
		t.Errorf("Err on idle source: %v", err)
	}
}

func TestReadChunks(t *testing.T) {
	t.Parallel()

	// 2.5 chunks of 4 samples each.
	samples := []int16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	r := bytes.NewReader(audio.SamplesToBytes(samples))
	out := make(chan audio.Chunk, 8)

	if err := capture.ReadChunks(r, 4, out, make(chan struct{})); err != nil {
		t.Fatalf("ReadChunks: %v", err)
	}
	close(out)

	var got []audio.Chunk
	for c := range out {
		got = append(got, c)
	}
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
	for i, c := range got {
		if c.Seq != uint64(i) {
			t.Errorf("chunk %d: Seq = %d", i, c.Seq)
		}
	}
	if !slices.Equal(got[2].Samples, []int16{9, 10}) {
		t.Errorf("tail chunk = %v, want [9 10]", got[2].Samples)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestReadChunks_ReadError(t *testing.T) {
	t.Parallel()
	out := make(chan audio.Chunk, 1)
	if err := capture.ReadChunks(failingReader{}, 4, out, make(chan struct{})); err == nil {
		t.Error("expected read error")
	}
}

func TestReadChunks_StopUnblocksSend(t *testing.T) {
	t.Parallel()
	stop := make(chan struct{})
	close(stop)
	r := bytes.NewReader(make([]byte, 64))
	// Unbuffered and never read: only stop lets ReadChunks return.
	if err := capture.ReadChunks(r, 4, make(chan audio.Chunk), stop); err != nil {
		t.Errorf("ReadChunks after stop: %v", err)
	}
}

// fakePipeline substitutes both executables with shell one-liners.
func fakePipeline(t *testing.T, fetchScript string) capture.CommandFunc {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return func(name string, _ ...string) *exec.Cmd {
		if name == "fake-streamlink" {
			return exec.Command("sh", "-c", fetchScript)
		}
		return exec.Command("sh", "-c", "cat")
	}
}

func TestSource_UnexpectedEndReportsErr(t *testing.T) {
	t.Parallel()

	src, err := capture.New(audio.PlatformTwitch, "https://twitch.tv/x",
		capture.WithStreamlinkPath("fake-streamlink"),
		capture.WithChunkSamples(1024),
		capture.WithCommandFunc(fakePipeline(t, "head -c 4096 /dev/zero")),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chunks, err := src.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	n := 0
	for c := range chunks {
		if len(c.Samples) != 1024 {
			t.Errorf("chunk %d has %d samples, want 1024", n, len(c.Samples))
		}
		n++
	}
	if n != 2 {
		t.Errorf("got %d chunks, want 2", n)
	}
	if err := src.Err(); err == nil {
		t.Error("Err() = nil after unexpected end, want non-nil")
	}
}

func TestSource_StopIsClean(t *testing.T) {
	t.Parallel()

	src, err := capture.New(audio.PlatformKick, "https://kick.com/x",
		capture.WithStreamlinkPath("fake-streamlink"),
		capture.WithStopGrace(time.Second),
		capture.WithCommandFunc(fakePipeline(t, "cat /dev/zero")),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chunks, err := src.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := src.Start(ctx); !errors.Is(err, capture.ErrAlreadyRunning) {
		t.Errorf("second Start err = %v, want ErrAlreadyRunning", err)
	}

	<-chunks
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for range chunks {
	}
	if err := src.Err(); err != nil {
		t.Errorf("Err() after Stop = %v, want nil", err)
	}
}

func TestSource_StopKillsAfterGrace(t *testing.T) {
	t.Parallel()

	const grace = 300 * time.Millisecond
	src, err := capture.New(audio.PlatformTwitch, "https://twitch.tv/x",
		capture.WithStreamlinkPath("fake-streamlink"),
		capture.WithStopGrace(grace),
		// The ignored SIGTERM disposition survives exec.
		capture.WithCommandFunc(fakePipeline(t, "trap '' TERM; exec cat /dev/zero")),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chunks, err := src.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-chunks

	start := time.Now()
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < grace {
		t.Errorf("Stop returned after %s, want the grace period to pass before the kill", elapsed)
	}
	if elapsed > grace+2*time.Second {
		t.Errorf("Stop took %s, want it bounded by grace plus the kill wait", elapsed)
	}
	for range chunks {
	}
	if err := src.Err(); err != nil {
		t.Errorf("Err() after forced stop = %v, want nil", err)
	}
}
