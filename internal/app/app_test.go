package app_test

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxmod/internal/app"
	"github.com/MrWong99/voxmod/internal/chat"
	"github.com/MrWong99/voxmod/internal/config"
	"github.com/MrWong99/voxmod/internal/moderation"
	"github.com/MrWong99/voxmod/internal/moderation/audit"
	"github.com/MrWong99/voxmod/pkg/audio"
	audiomock "github.com/MrWong99/voxmod/pkg/audio/mock"
	"github.com/MrWong99/voxmod/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxmod/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/voxmod/pkg/provider/stt/mock"
)

const testYAML = `
server:
  listen_addr: "127.0.0.1:0"
stream:
  platform: twitch
  url: https://twitch.tv/somechannel
segmentation:
  min_duration: 500ms
  max_duration: 2s
  max_silence: 200ms
  gate_disabled: true
transcription:
  providers:
    - name: mock
llm:
  name: mock
`

// testConfig returns a config whose segmentation emits one segment per
// utterance.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// utterance is 600 ms of tone followed by 300 ms of silence.
func utterance() []audio.Chunk {
	const n = 1600
	tone := make([]int16, n)
	for i := range tone {
		tone[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	var out []audio.Chunk
	for range 6 {
		out = append(out, audio.Chunk{Samples: tone})
	}
	for range 3 {
		out = append(out, audio.Chunk{Samples: make([]int16, n)})
	}
	return out
}

func testProviders(text, intent string) *app.Providers {
	return &app.Providers{
		STT:      &sttmock.Provider{Text: text},
		STTNames: []string{"mock"},
		LLM:      &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: intent}},
	}
}

// recordingExecutor captures executed actions.
type recordingExecutor struct {
	mu      sync.Mutex
	actions []moderation.Action
}

func (e *recordingExecutor) Execute(_ context.Context, a moderation.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, a)
	return nil
}

func (e *recordingExecutor) Name() string { return "recording" }

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actions)
}

// scriptedObserver sends its events once and then waits for cancellation.
type scriptedObserver struct {
	events []chat.Event
}

func (o *scriptedObserver) Run(ctx context.Context, out chan<- chat.Event) error {
	for _, ev := range o.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (o *scriptedObserver) Platform() audio.Platform { return audio.PlatformTwitch }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// runApp starts a.Run in the background and returns a function that cancels
// it and waits for it to return.
func runApp(t *testing.T, a *app.App) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(t), nil); err == nil {
		t.Fatal("New(nil providers) returned nil error")
	}
	if _, err := app.New(context.Background(), testConfig(t), &app.Providers{STT: &sttmock.Provider{}}); err == nil {
		t.Fatal("New without llm returned nil error")
	}
}

func TestNew_DefaultsToMemoryAudit(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(t), testProviders("", ""),
		app.WithSource(&audiomock.Source{HoldOpen: true}),
		app.WithObservers(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := a.Audit().(*audit.MemoryStore); !ok {
		t.Errorf("Audit() = %T, want *audit.MemoryStore", a.Audit())
	}
	if a.Window().Capacity() != 50 {
		t.Errorf("window capacity = %d, want 50", a.Window().Capacity())
	}
}

func TestApp_VoiceCommandEndToEnd(t *testing.T) {
	t.Parallel()
	exec := &recordingExecutor{}
	a, err := app.New(context.Background(), testConfig(t),
		testProviders("hey brian ban cool guy", `{"action": "ban", "username": "coolguy", "duration": null}`),
		app.WithSource(&audiomock.Source{Chunks: utterance(), HoldOpen: true}),
		app.WithExecutor(exec),
		app.WithObservers(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Window().Add("CoolGuy")

	stop := runApp(t, a)
	waitFor(t, "executed action", func() bool { return exec.count() == 1 })
	stop()

	exec.mu.Lock()
	got := exec.actions[0]
	exec.mu.Unlock()
	if got.Username != "CoolGuy" {
		t.Errorf("action username = %q, want CoolGuy", got.Username)
	}

	recs, err := a.Audit().Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) == 0 {
		t.Fatal("no audit records")
	}
	// Recent is newest first.
	if r := recs[len(recs)-1]; r.Outcome != audit.OutcomeExecuted || r.Method != "exact" || r.Executor != "recording" {
		t.Errorf("audit record = %+v", r)
	}
}

func TestApp_ChatObserversFillWindow(t *testing.T) {
	t.Parallel()
	obs := &scriptedObserver{events: []chat.Event{
		{Username: "alice_99", Platform: audio.PlatformTwitch, At: time.Now()},
		{Username: "bob", Platform: audio.PlatformTwitch, At: time.Now()},
	}}
	a, err := app.New(context.Background(), testConfig(t), testProviders("", ""),
		app.WithSource(&audiomock.Source{HoldOpen: true}),
		app.WithObservers(obs),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stop := runApp(t, a)
	waitFor(t, "window entries", func() bool { return a.Window().Len() == 2 })
	stop()

	if !a.Window().Contains("alice_99") || !a.Window().Contains("bob") {
		t.Errorf("window = %v", a.Window().Snapshot())
	}
}

func TestApp_OperationalEndpoints(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(t), testProviders("", ""),
		app.WithSource(&audiomock.Source{HoldOpen: true}),
		app.WithObservers(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		// Not capturing yet: Run was never called.
		{"/readyz", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{HoldOpen: true}
	a, err := app.New(context.Background(), testConfig(t), testProviders("", ""),
		app.WithSource(src),
		app.WithObservers(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runApp(t, a)
	waitFor(t, "capture", a.Session().Capturing)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if a.Session().Capturing() {
		t.Error("session still capturing after Shutdown")
	}
	stop()
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()
	var lv slog.LevelVar
	oldCfg := testConfig(t)
	a, err := app.New(context.Background(), oldCfg, testProviders("", ""),
		app.WithSource(&audiomock.Source{HoldOpen: true}),
		app.WithObservers(),
		app.WithLogLevel(&lv),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	newCfg := testConfig(t)
	newCfg.Server.LogLevel = config.LogDebug
	newCfg.Username.PhoneticThreshold = 0.8
	a.Reload(oldCfg, newCfg)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
}

func TestChannelFromURL(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"https://twitch.tv/SomeChannel":  "somechannel",
		"https://kick.com/streamer/":     "streamer",
		"https://www.twitch.tv/a/videos": "a",
		"https://kick.com":               "",
		"::not a url":                    "",
	}
	for in, want := range tests {
		if got := app.ChannelFromURL(in); got != want {
			t.Errorf("ChannelFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"bogus":         slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
