package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxmod/internal/resilience"
	"github.com/MrWong99/voxmod/internal/segment"
	"github.com/MrWong99/voxmod/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind. LLM names
// of the form "anyllm:<backend>" are accepted in addition.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"hfendpoint", "whisper", "openai", "deepgram", "mock"},
	"llm": {"openai", "mock"},
}

// AnyLLMPrefix selects an any-llm-go backend, as in "anyllm:anthropic".
const AnyLLMPrefix = "anyllm:"

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR} references
// in secret fields, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := seededConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads environment variables from a .env file. Variables that are
// already set are not overridden. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %q: %w", path, err)
	}
	return nil
}

// ─── Defaults ────────────────────────────────────────────────────────────────

// seededConfig returns a Config carrying the defaults of fields where zero is
// a meaningful setting. Decoding over it keeps an explicit 0 from the file.
func seededConfig() *Config {
	gate := segment.DefaultGateConfig()
	return &Config{Segmentation: SegmentationConfig{
		MinSpeechVolume:   gate.MinSpeechVolume,
		MinActiveFraction: gate.MinActiveFraction,
	}}
}

// ApplyDefaults fills every zero-valued field that has a documented default.
// The energy-gate thresholds are not touched: zero disables that check, and
// [LoadFromReader] seeds their defaults before decoding.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Stream.ChunkSamples == 0 {
		cfg.Stream.ChunkSamples = 1024
	}
	if cfg.Stream.StopGrace == 0 {
		cfg.Stream.StopGrace = 5 * time.Second
	}
	defaultBackoff(&cfg.Stream.Restart, resilience.DefaultBackoffMaxAttempts)
	// Observers feed the username window for as long as the process runs.
	defaultBackoff(&cfg.Chat.Reconnect, UnlimitedAttempts)

	seg := &cfg.Segmentation
	if seg.SilenceThreshold == 0 {
		seg.SilenceThreshold = 1500
	}
	if seg.MinDuration == 0 {
		seg.MinDuration = 2 * time.Second
	}
	if seg.MaxDuration == 0 {
		seg.MaxDuration = 8 * time.Second
	}
	if seg.MaxSilence == 0 {
		seg.MaxSilence = 3 * time.Second
	}
	if seg.EnergyWindow == 0 {
		seg.EnergyWindow = 250 * time.Millisecond
	}

	tr := &cfg.Transcription
	if tr.Workers == 0 {
		tr.Workers = 4
	}
	if tr.QueueDepth == 0 {
		tr.QueueDepth = 8
	}
	if tr.Timeout == 0 {
		tr.Timeout = 30 * time.Second
	}
	if tr.MinLength == 0 {
		tr.MinLength = 2
	}

	if cfg.Wake.First == "" && cfg.Wake.Second == "" {
		cfg.Wake.First, cfg.Wake.Second = "hey", "brian"
	}
	if cfg.Assembler.PendingTimeout == 0 {
		cfg.Assembler.PendingTimeout = 15 * time.Second
	}

	u := &cfg.Username
	if u.WindowCapacity == 0 {
		u.WindowCapacity = 50
	}
	if u.PhoneticThreshold == 0 {
		u.PhoneticThreshold = 0.6
	}
	if u.AIRatePerMinute == 0 {
		u.AIRatePerMinute = 10
	}
	if u.AIBurst == 0 {
		u.AIBurst = 2
	}
	if u.AITimeout == 0 {
		u.AITimeout = 5 * time.Second
	}

	m := &cfg.Moderation
	if m.Executor == "" {
		m.Executor = ExecutorLog
	}
	if m.ExecuteTimeout == 0 {
		m.ExecuteTimeout = 15 * time.Second
	}
	if m.DefaultTimeout == 0 {
		m.DefaultTimeout = 600 * time.Second
	}
	if m.MaxTimeout == 0 {
		m.MaxTimeout = 14 * 24 * time.Hour
	}
	if m.MaxFollowersOnly == 0 {
		m.MaxFollowersOnly = 90 * 24 * time.Hour
	}

	if cfg.Audit.MemoryCapacity == 0 {
		cfg.Audit.MemoryCapacity = 1000
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "voxmod"
	}
}

func defaultBackoff(b *BackoffConfig, maxAttempts int) {
	if b.Initial == 0 {
		b.Initial = time.Second
	}
	if b.Max == 0 {
		b.Max = 30 * time.Second
	}
	if b.MaxAttempts == 0 {
		b.MaxAttempts = maxAttempts
	}
}

// ─── Environment expansion ───────────────────────────────────────────────────

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${NAME} references in s with the value of the
// environment variable NAME. Unset variables expand to "". A bare $ is left
// untouched.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

func expandSecrets(cfg *Config) {
	for i := range cfg.Transcription.Providers {
		cfg.Transcription.Providers[i].APIKey = ExpandEnv(cfg.Transcription.Providers[i].APIKey)
	}
	cfg.LLM.APIKey = ExpandEnv(cfg.LLM.APIKey)
	for i := range cfg.LLMFallbacks {
		cfg.LLMFallbacks[i].APIKey = ExpandEnv(cfg.LLMFallbacks[i].APIKey)
	}
	cfg.Chat.Twitch.Token = ExpandEnv(cfg.Chat.Twitch.Token)
	cfg.Moderation.WebhookToken = ExpandEnv(cfg.Moderation.WebhookToken)
	cfg.Audit.PostgresDSN = ExpandEnv(cfg.Audit.PostgresDSN)
}

// ─── Validation ──────────────────────────────────────────────────────────────

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied and returns a joined error listing all
// failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if _, err := audio.ParsePlatform(string(cfg.Stream.Platform)); err != nil {
		errs = append(errs, fmt.Errorf("stream.platform %q is invalid; valid values: twitch, kick", cfg.Stream.Platform))
	}
	if cfg.Stream.URL == "" {
		errs = append(errs, errors.New("stream.url is required"))
	}
	if cfg.Stream.ChunkSamples < 0 {
		errs = append(errs, errors.New("stream.chunk_samples must not be negative"))
	}
	errs = append(errs, validateBackoff("stream.restart", cfg.Stream.Restart)...)
	errs = append(errs, validateBackoff("chat.reconnect", cfg.Chat.Reconnect)...)

	if err := cfg.Segmentation.Buffer().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Segmentation.Gate().Validate(); err != nil {
		errs = append(errs, err)
	}

	tr := cfg.Transcription
	if tr.Workers < 1 {
		errs = append(errs, fmt.Errorf("transcription.workers must be at least 1, got %d", tr.Workers))
	}
	if tr.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("transcription.queue_depth must not be negative, got %d", tr.QueueDepth))
	}
	if tr.Timeout < 0 {
		errs = append(errs, errors.New("transcription.timeout must not be negative"))
	}
	if len(tr.Providers) == 0 {
		errs = append(errs, errors.New("transcription.providers must list at least one provider"))
	}
	for i, p := range tr.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("transcription.providers[%d].name is required", i))
			continue
		}
		validateProviderName("stt", p.Name)
	}

	if strings.TrimSpace(cfg.Wake.First) == "" || strings.TrimSpace(cfg.Wake.Second) == "" {
		errs = append(errs, errors.New("wake.first and wake.second must both be set"))
	}
	if cfg.Assembler.PendingTimeout < 0 {
		errs = append(errs, errors.New("assembler.pending_timeout must not be negative"))
	}

	u := cfg.Username
	if u.WindowCapacity < 1 {
		errs = append(errs, fmt.Errorf("username.window_capacity must be at least 1, got %d", u.WindowCapacity))
	}
	if u.PhoneticThreshold < 0 || u.PhoneticThreshold > 1 {
		errs = append(errs, fmt.Errorf("username.phonetic_threshold must be within [0, 1], got %g", u.PhoneticThreshold))
	}
	if u.AIRatePerMinute < 0 || u.AIBurst < 0 {
		errs = append(errs, errors.New("username.ai_rate_per_minute and username.ai_burst must not be negative"))
	}
	if u.AIFallback && cfg.LLM.Name == "" {
		errs = append(errs, errors.New("username.ai_fallback requires an llm provider"))
	}

	if cfg.LLM.Name == "" {
		errs = append(errs, errors.New("llm.name is required for command parsing"))
	} else {
		validateProviderName("llm", cfg.LLM.Name)
	}
	for i, p := range cfg.LLMFallbacks {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", p.Name)
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio must be within [0, 1], got %g", r))
	}

	if cfg.Chat.Twitch.Token != "" && cfg.Chat.Twitch.Nick == "" {
		errs = append(errs, errors.New("chat.twitch.nick is required when a token is set"))
	}
	if cfg.Chat.Kick.ChatroomID < 0 {
		errs = append(errs, errors.New("chat.kick.chatroom_id must not be negative"))
	}

	m := cfg.Moderation
	switch m.Executor {
	case ExecutorLog:
	case ExecutorWebhook:
		if m.WebhookURL == "" {
			errs = append(errs, errors.New("moderation.webhook_url is required for the webhook executor"))
		}
	default:
		errs = append(errs, fmt.Errorf("moderation.executor %q is invalid; valid values: log, webhook", m.Executor))
	}
	if m.DefaultTimeout < time.Second || m.DefaultTimeout > m.MaxTimeout {
		errs = append(errs, fmt.Errorf("moderation.default_timeout %s must be within [1s, %s]", m.DefaultTimeout, m.MaxTimeout))
	}

	if cfg.Audit.MemoryCapacity < 1 {
		errs = append(errs, errors.New("audit.memory_capacity must be at least 1"))
	}

	return errors.Join(errs...)
}

func validateBackoff(field string, b BackoffConfig) []error {
	var errs []error
	if b.Initial < 0 || b.Max < 0 {
		errs = append(errs, fmt.Errorf("%s durations must not be negative", field))
	}
	if b.Max < b.Initial {
		errs = append(errs, fmt.Errorf("%s.max must not be below %s.initial", field, field))
	}
	if b.MaxAttempts < UnlimitedAttempts {
		errs = append(errs, fmt.Errorf("%s.max_attempts must be -1 (unlimited) or positive", field))
	}
	return errs
}

// validateProviderName logs a warning if name is not in the known list for
// kind. Unknown names may still resolve through a custom registration.
func validateProviderName(kind, name string) {
	if kind == "llm" && strings.HasPrefix(name, AnyLLMPrefix) {
		return
	}
	if known, ok := ValidProviderNames[kind]; ok && !slices.Contains(known, name) {
		slog.Warn("config: unknown provider name", "kind", kind, "name", name, "known", known)
	}
}
