// Command voxmod listens to a live stream's audio and turns spoken
// moderation commands into moderation actions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxmod/internal/app"
	"github.com/MrWong99/voxmod/internal/config"
	"github.com/MrWong99/voxmod/internal/observe"
	"github.com/MrWong99/voxmod/internal/resilience"
	"github.com/MrWong99/voxmod/pkg/provider/llm"
	"github.com/MrWong99/voxmod/pkg/provider/llm/anyllm"
	llmmock "github.com/MrWong99/voxmod/pkg/provider/llm/mock"
	oallm "github.com/MrWong99/voxmod/pkg/provider/llm/openai"
	"github.com/MrWong99/voxmod/pkg/provider/stt"
	"github.com/MrWong99/voxmod/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voxmod/pkg/provider/stt/hfendpoint"
	sttmock "github.com/MrWong99/voxmod/pkg/provider/stt/mock"
	oastt "github.com/MrWong99/voxmod/pkg/provider/stt/openai"
	"github.com/MrWong99/voxmod/pkg/provider/stt/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the configuration")
	flag.Parse()

	// ── Environment + configuration ───────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "voxmod: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxmod: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxmod: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voxmod starting",
		"version", version,
		"config", *configPath,
		"platform", cfg.Stream.Platform,
		"url", cfg.Stream.URL,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	serviceVersion := cfg.Telemetry.ServiceVersion
	if serviceVersion == "" {
		serviceVersion = version
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: serviceVersion,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.Reload)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("config watcher stopped", "err", err)
			}
		}()
	}

	slog.Info("listening for voice commands, press Ctrl+C to shut down",
		"wake_phrase", cfg.Wake.First+" "+cfg.Wake.Second)

	exitCode := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exitCode = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exitCode = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exitCode
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("hfendpoint", func(entry config.ProviderEntry) (stt.Provider, error) {
		return hfendpoint.New(entry.BaseURL, entry.APIKey)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		return oastt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// mock replies with a fixed transcript; useful for dry runs.
	reg.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{Text: entry.OptString("text")}, nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// "anyllm:<backend>" names, e.g. anyllm:anthropic or anyllm:ollama.
	reg.RegisterLLM(strings.TrimSuffix(config.AnyLLMPrefix, ":"), func(entry config.ProviderEntry) (llm.Provider, error) {
		backend := strings.TrimPrefix(entry.Name, config.AnyLLMPrefix)
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})

	reg.RegisterLLM("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: entry.OptString("response")},
		}, nil
	})

	for _, kind := range []string{"stt", "llm"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the transcription and LLM chains named in cfg.
// Providers after the first of each kind become fallbacks, each behind its
// own circuit breaker.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	var chain *resilience.STTFallback
	for _, entry := range cfg.Transcription.Providers {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		if chain == nil {
			chain = resilience.NewSTTFallback(p, entry.Name, resilience.FallbackConfig{})
		} else {
			chain.AddFallback(entry.Name, p)
		}
		ps.STTNames = append(ps.STTNames, entry.Name)
		slog.Info("provider created", "kind", "stt", "name", entry.Name)
	}
	if chain == nil {
		return nil, errors.New("no transcription provider configured")
	}
	ps.STT = chain

	p, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.LLM.Name)
	if len(cfg.LLMFallbacks) == 0 {
		ps.LLM = p
		return ps, nil
	}

	llmChain := resilience.NewLLMFallback(p, cfg.LLM.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.LLMFallbacks {
		fb, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		llmChain.AddFallback(entry.Name, fb)
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "fallback", true)
	}
	ps.LLM = llmChain
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxmod: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Platform", string(cfg.Stream.Platform))
	printRow("Wake phrase", cfg.Wake.First+" "+cfg.Wake.Second)
	names := make([]string, 0, len(cfg.Transcription.Providers))
	for _, p := range cfg.Transcription.Providers {
		names = append(names, p.Name)
	}
	printRow("STT", strings.Join(names, " > "))
	if cfg.LLM.Model != "" {
		printRow("LLM", cfg.LLM.Name+" / "+cfg.LLM.Model)
	} else {
		printRow("LLM", cfg.LLM.Name)
	}
	printRow("Executor", cfg.Moderation.Executor)
	if cfg.Username.AIFallback {
		printRow("AI fallback", "enabled")
	} else {
		printRow("AI fallback", "(disabled)")
	}
	if cfg.Audit.PostgresDSN != "" {
		printRow("Audit", "postgres")
	} else {
		printRow("Audit", "memory")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
