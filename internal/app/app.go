// Package app wires all voxmod subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the listener, the chat observers and the
// operational HTTP server, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSource,
// WithObservers, WithAuditStore, WithExecutor). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MrWong99/voxmod/internal/chat"
	"github.com/MrWong99/voxmod/internal/command"
	"github.com/MrWong99/voxmod/internal/command/llmintent"
	"github.com/MrWong99/voxmod/internal/config"
	"github.com/MrWong99/voxmod/internal/health"
	"github.com/MrWong99/voxmod/internal/listener"
	"github.com/MrWong99/voxmod/internal/moderation"
	"github.com/MrWong99/voxmod/internal/moderation/audit"
	"github.com/MrWong99/voxmod/internal/observe"
	"github.com/MrWong99/voxmod/internal/resilience"
	"github.com/MrWong99/voxmod/internal/segment"
	"github.com/MrWong99/voxmod/internal/transcript"
	"github.com/MrWong99/voxmod/internal/username"
	"github.com/MrWong99/voxmod/internal/wake"
	"github.com/MrWong99/voxmod/pkg/audio"
	"github.com/MrWong99/voxmod/pkg/audio/capture"
	"github.com/MrWong99/voxmod/pkg/provider/llm"
	"github.com/MrWong99/voxmod/pkg/provider/stt"
)

// chatBuffer is the capacity of the channel between chat observers and the
// username window.
const chatBuffer = 64

// Providers holds the constructed provider chain. Populated by main.go via
// the config registry.
type Providers struct {
	// STT is the transcription provider, usually a fallback chain.
	STT stt.Provider

	// STTNames lists the configured transcription providers in fallback order.
	STTNames []string

	// LLM parses commands and backs the AI username fallback.
	LLM llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar

	source    audio.Source
	observers []chat.Observer
	store     audit.Store
	executor  moderation.Executor

	window    *username.Window
	phonetic  *username.PhoneticMatcher
	processor *moderation.Processor
	assembler *command.Assembler
	session   *listener.Session
	health    *health.Handler
	server    *http.Server

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects an audio source instead of the streamlink/ffmpeg
// capture.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithObservers injects chat observers instead of building them from config.
// Passing none disables chat observation.
func WithObservers(obs ...chat.Observer) Option {
	return func(a *App) {
		if obs == nil {
			obs = []chat.Observer{}
		}
		a.observers = obs
	}
}

// WithAuditStore injects the audit store instead of creating one from config.
func WithAuditStore(s audit.Store) Option {
	return func(a *App) { a.store = s }
}

// WithExecutor injects the moderation executor.
func WithExecutor(e moderation.Executor) Option {
	return func(a *App) { a.executor = e }
}

// WithLogLevel hands the process log level to the app so config reloads can
// change it.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires every subsystem from cfg. It opens the audit database and looks up
// the Kick chatroom when those are configured, but starts no goroutines.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil {
		return nil, errors.New("app: transcription and llm providers are required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Username resolution ───────────────────────────────────────────
	a.window = username.NewWindow(cfg.Username.WindowCapacity)
	a.phonetic = username.NewPhoneticMatcher(username.WithThreshold(cfg.Username.PhoneticThreshold))
	matchers := []username.Matcher{username.ExactMatcher{}, username.FuzzyMatcher{}, a.phonetic}
	if cfg.Username.AIFallback {
		matchers = append(matchers, username.NewAIMatcher(providers.LLM,
			username.WithRateLimit(rate.Limit(cfg.Username.AIRatePerMinute/60), cfg.Username.AIBurst),
			username.WithAITimeout(cfg.Username.AITimeout),
			username.WithBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "username-ai"})),
			username.WithAIMetrics(a.metrics),
		))
	}
	resolver := username.NewResolver(a.window, matchers...)

	// ── 2. Audit + executor ──────────────────────────────────────────────
	if err := a.initAudit(ctx); err != nil {
		return nil, fmt.Errorf("app: init audit: %w", err)
	}
	if err := a.initExecutor(); err != nil {
		return nil, fmt.Errorf("app: init executor: %w", err)
	}
	a.processor = moderation.NewProcessor(resolver, a.executor,
		moderation.WithAuditStore(a.store),
		moderation.WithLimits(cfg.Moderation.Limits()),
		moderation.WithExecuteTimeout(cfg.Moderation.ExecuteTimeout),
		moderation.WithMetrics(a.metrics),
	)

	// ── 3. Command assembly ──────────────────────────────────────────────
	detector, err := wake.New(cfg.Wake.First, cfg.Wake.Second)
	if err != nil {
		return nil, fmt.Errorf("app: wake phrase: %w", err)
	}
	parser := llmintent.New(providers.LLM,
		llmintent.WithDefaultTimeout(cfg.Moderation.DefaultTimeout),
		llmintent.WithMetrics(a.metrics),
	)
	a.assembler = command.NewAssembler(detector, parser, a.processor,
		command.WithTimeout(cfg.Assembler.PendingTimeout),
		command.WithMetrics(a.metrics),
	)

	// ── 4. Capture + listener ────────────────────────────────────────────
	if a.source == nil {
		src, err := capture.New(cfg.Stream.Platform, cfg.Stream.URL,
			capture.WithStreamlinkPath(cfg.Stream.StreamlinkPath),
			capture.WithFFmpegPath(cfg.Stream.FFmpegPath),
			capture.WithChunkSamples(cfg.Stream.ChunkSamples),
			capture.WithStopGrace(cfg.Stream.StopGrace),
		)
		if err != nil {
			return nil, fmt.Errorf("app: init capture: %w", err)
		}
		a.source = src
	}
	a.session = listener.New(a.source, providers.STT, a.assembler,
		listener.WithSegmentConfig(cfg.Segmentation.Buffer()),
		listener.WithGate(segment.NewGate(cfg.Segmentation.Gate())),
		listener.WithFilter(transcript.NewFilter(cfg.Transcription.Filter())),
		listener.WithWorkers(cfg.Transcription.Workers),
		listener.WithQueueDepth(cfg.Transcription.QueueDepth),
		listener.WithTranscribeTimeout(cfg.Transcription.Timeout),
		listener.WithBackoff(cfg.Stream.Restart.Backoff()),
		listener.WithStopTimeout(cfg.Stream.StopGrace+time.Second),
		listener.WithMetrics(a.metrics),
	)

	// ── 5. Chat observers ────────────────────────────────────────────────
	if a.observers == nil {
		if err := a.initObservers(ctx); err != nil {
			return nil, fmt.Errorf("app: init chat: %w", err)
		}
	}

	// ── 6. Operational HTTP server ───────────────────────────────────────
	a.health = health.New(
		health.Capture(a.session.Capturing),
		health.Providers("transcription", providers.STTNames),
	)
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

func (a *App) initAudit(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Audit.PostgresDSN == "" {
		a.store = audit.NewMemoryStore(a.cfg.Audit.MemoryCapacity)
		slog.Info("app: audit records kept in memory", "capacity", a.cfg.Audit.MemoryCapacity)
		return nil
	}
	pg, err := audit.NewPostgresStore(ctx, a.cfg.Audit.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	slog.Info("app: audit records stored in postgres")
	return nil
}

func (a *App) initExecutor() error {
	if a.executor != nil {
		return nil
	}
	m := a.cfg.Moderation
	switch m.Executor {
	case config.ExecutorWebhook:
		var opts []moderation.WebhookOption
		if m.WebhookToken != "" {
			opts = append(opts, moderation.WithWebhookHeader("Authorization", "Bearer "+m.WebhookToken))
		}
		opts = append(opts, moderation.WithWebhookTimeout(m.ExecuteTimeout))
		exec, err := moderation.NewWebhookExecutor(m.WebhookURL, opts...)
		if err != nil {
			return err
		}
		a.executor = exec
	default:
		a.executor = moderation.NewLogExecutor()
	}
	return nil
}

// initObservers builds one observer per configured chat. With no chat section
// the stream's own channel is observed.
func (a *App) initObservers(ctx context.Context) error {
	cc := a.cfg.Chat
	backoff := cc.Reconnect.Backoff()

	twitch, kick := cc.Twitch, cc.Kick
	if twitch.Channel == "" && !kick.Enabled() {
		channel := ChannelFromURL(a.cfg.Stream.URL)
		switch a.cfg.Stream.Platform {
		case audio.PlatformTwitch:
			twitch.Channel = channel
		case audio.PlatformKick:
			kick.Channel = channel
		}
	}

	if twitch.Channel != "" {
		opts := []chat.TwitchOption{chat.WithTwitchBackoff(backoff)}
		if twitch.Nick != "" {
			opts = append(opts, chat.WithTwitchCredentials(twitch.Nick, twitch.Token))
		}
		obs, err := chat.NewTwitchObserver(twitch.Channel, opts...)
		if err != nil {
			return err
		}
		a.observers = append(a.observers, obs)
	}

	if kick.Enabled() {
		id := kick.ChatroomID
		if id == 0 {
			var err error
			id, err = chat.LookupKickChatroom(ctx, nil, "", kick.Channel)
			if err != nil {
				return fmt.Errorf("lookup kick chatroom for %q: %w", kick.Channel, err)
			}
			slog.Info("app: resolved kick chatroom", "channel", kick.Channel, "chatroom_id", id)
		}
		obs, err := chat.NewKickObserver(id, chat.WithKickBackoff(backoff))
		if err != nil {
			return err
		}
		a.observers = append(a.observers, obs)
	}

	if len(a.observers) == 0 {
		slog.Warn("app: no chat observer configured; destructive commands cannot resolve usernames")
	}
	return nil
}

// ChannelFromURL returns the first path segment of a channel URL, lowercased.
// It returns "" when rawURL has no path.
func ChannelFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if i := strings.Index(path, "/"); i >= 0 {
		path = path[:i]
	}
	return strings.ToLower(path)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Window returns the recent-username window.
func (a *App) Window() *username.Window { return a.window }

// Audit returns the audit store.
func (a *App) Audit() audit.Store { return a.store }

// Session returns the listener session.
func (a *App) Session() *listener.Session { return a.session }

// Handler returns the operational HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the listener, the chat observers and the HTTP server, and blocks
// until ctx is cancelled or the listener gives up. A chat observer that gives
// up is logged; listening continues with the usernames already collected.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.session.Run(gctx)
	})

	events := make(chan chat.Event, chatBuffer)
	for _, obs := range a.observers {
		g.Go(func() error {
			if err := obs.Run(gctx, events); err != nil && gctx.Err() == nil {
				slog.Error("app: chat observer stopped", "platform", obs.Platform(), "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		chat.Pump(gctx, events, a.window)
		return nil
	})

	g.Go(func() error {
		slog.Info("app: http server listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the live-reloadable parts of a changed configuration: log
// level and phonetic threshold. Every other change is logged as requiring a
// restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.PhoneticThresholdChanged {
		a.phonetic.SetThreshold(d.NewPhoneticThreshold)
		slog.Info("app: phonetic threshold changed", "threshold", d.NewPhoneticThreshold)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: configuration changed, restart required to apply", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level onto a [slog.Level]. Unknown values map
// to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops audio capture first, then runs the remaining closers in
// order. If ctx expires before all closers finish, the remaining ones are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if err := a.session.Stop(); err != nil {
			slog.Warn("app: listener stop error", "err", err)
		}
		a.assembler.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
