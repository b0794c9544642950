// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for voxmod.
//
// A configuration is a single YAML file. Every section has defaults applied by
// [ApplyDefaults], so a minimal file only names the stream and the
// transcription and LLM providers:
//
//	stream:
//	  platform: twitch
//	  url: https://twitch.tv/somechannel
//	transcription:
//	  providers:
//	    - name: hfendpoint
//	      base_url: https://xyz.endpoints.huggingface.cloud
//	      api_key: ${HF_TOKEN}
//	llm:
//	  name: openai
//	  model: gpt-4o-mini
//	  api_key: ${OPENAI_API_KEY}
//
// Usage:
//
//	cfg, err := config.Load("voxmod.yaml")
//	if err != nil {
//	    return err
//	}
//	segCfg := cfg.Segmentation.Buffer()
package config

import (
	"time"

	"github.com/MrWong99/voxmod/internal/command"
	"github.com/MrWong99/voxmod/internal/resilience"
	"github.com/MrWong99/voxmod/internal/segment"
	"github.com/MrWong99/voxmod/internal/transcript"
	"github.com/MrWong99/voxmod/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Executor names accepted by moderation.executor.
const (
	ExecutorLog     = "log"
	ExecutorWebhook = "webhook"
)

// Config is the root configuration structure for voxmod.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Stream        StreamConfig        `yaml:"stream"`
	Segmentation  SegmentationConfig  `yaml:"segmentation"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Wake          WakeConfig          `yaml:"wake"`
	Assembler     AssemblerConfig     `yaml:"assembler"`
	Username      UsernameConfig      `yaml:"username"`
	LLM           ProviderEntry       `yaml:"llm"`
	LLMFallbacks  []ProviderEntry     `yaml:"llm_fallbacks"`
	Chat          ChatConfig          `yaml:"chat"`
	Moderation    ModerationConfig    `yaml:"moderation"`
	Audit         AuditConfig         `yaml:"audit"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig holds the operational HTTP server settings.
type ServerConfig struct {
	// ListenAddr is the address for /healthz, /readyz and /metrics.
	// Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is applied to the process logger. Default "info". Changes are
	// applied without a restart.
	LogLevel LogLevel `yaml:"log_level"`
}

// StreamConfig selects the channel to listen to and how its audio is pulled.
type StreamConfig struct {
	Platform audio.Platform `yaml:"platform"`

	// URL is the channel URL handed to streamlink.
	URL string `yaml:"url"`

	// StreamlinkPath and FFmpegPath override the binaries looked up in PATH.
	StreamlinkPath string `yaml:"streamlink_path"`
	FFmpegPath     string `yaml:"ffmpeg_path"`

	// ChunkSamples is the number of samples per capture chunk. Default 1024.
	ChunkSamples int `yaml:"chunk_samples"`

	// StopGrace is how long stopped processes get before they are killed.
	// Default 5s.
	StopGrace time.Duration `yaml:"stop_grace"`

	// Restart controls how a failed capture is retried.
	Restart BackoffConfig `yaml:"restart"`
}

// UnlimitedAttempts, used as max_attempts, retries until shutdown.
const UnlimitedAttempts = -1

// BackoffConfig is the YAML form of [resilience.Backoff].
type BackoffConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Backoff converts b into a [resilience.Backoff].
func (b BackoffConfig) Backoff() resilience.Backoff {
	return resilience.Backoff{Initial: b.Initial, Max: b.Max, MaxAttempts: b.MaxAttempts}
}

// SegmentationConfig controls the silence-gated segmenter and the energy
// pre-filter.
type SegmentationConfig struct {
	SilenceThreshold  int           `yaml:"silence_threshold"`
	MinDuration       time.Duration `yaml:"min_duration"`
	MaxDuration       time.Duration `yaml:"max_duration"`
	MaxSilence        time.Duration `yaml:"max_silence"`
	GateDisabled      bool          `yaml:"gate_disabled"`
	MinSpeechVolume   float64       `yaml:"min_speech_volume"`
	EnergyWindow      time.Duration `yaml:"energy_window"`
	MinActiveFraction float64       `yaml:"min_active_fraction"`
}

// Buffer returns the segment buffer settings.
func (s SegmentationConfig) Buffer() segment.Config {
	return segment.Config{
		SilenceThreshold: s.SilenceThreshold,
		MinDuration:      s.MinDuration,
		MaxDuration:      s.MaxDuration,
		MaxSilence:       s.MaxSilence,
	}
}

// Gate returns the energy gate settings.
func (s SegmentationConfig) Gate() segment.GateConfig {
	return segment.GateConfig{
		Disabled:          s.GateDisabled,
		MinSpeechVolume:   s.MinSpeechVolume,
		Window:            s.EnergyWindow,
		MinActiveFraction: s.MinActiveFraction,
	}
}

// TranscriptionConfig controls the transcription pool, the hallucination
// filter and the provider chain.
type TranscriptionConfig struct {
	// Workers is the number of concurrent transcriptions. Default 4.
	Workers int `yaml:"workers"`

	// QueueDepth is how many segments may wait for a worker before new ones
	// are dropped. Default 8.
	QueueDepth int `yaml:"queue_depth"`

	// Timeout bounds a single transcription across all providers.
	// Default 30s.
	Timeout time.Duration `yaml:"timeout"`

	// FilterDisabled passes every non-empty transcript through.
	FilterDisabled bool `yaml:"filter_disabled"`

	// FilterPhrases replaces the default hallucination phrase list when set.
	FilterPhrases []string `yaml:"filter_phrases"`

	// MinLength drops transcripts of at most this many characters. Default 2.
	MinLength int `yaml:"min_length"`

	// Providers are tried in order; later entries are fallbacks.
	Providers []ProviderEntry `yaml:"providers"`
}

// Filter returns the transcript filter settings.
func (t TranscriptionConfig) Filter() transcript.Config {
	return transcript.Config{
		Disabled:  t.FilterDisabled,
		Phrases:   t.FilterPhrases,
		MinLength: t.MinLength,
	}
}

// WakeConfig names the two-token wake phrase.
type WakeConfig struct {
	First  string `yaml:"first"`
	Second string `yaml:"second"`
}

// AssemblerConfig controls the command assembler.
type AssemblerConfig struct {
	// PendingTimeout is how long a bare wake phrase waits for its
	// continuation. Default 15s.
	PendingTimeout time.Duration `yaml:"pending_timeout"`
}

// UsernameConfig controls the recent-username window and the resolver.
type UsernameConfig struct {
	// WindowCapacity is the number of distinct recent chatters kept.
	// Default 50.
	WindowCapacity int `yaml:"window_capacity"`

	// PhoneticThreshold is the minimum phonetic score. Default 0.6. Changes
	// are applied without a restart.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`

	// AIFallback enables the LLM matcher as the last resolution step.
	AIFallback bool `yaml:"ai_fallback"`

	// AIRatePerMinute and AIBurst bound AI fallback calls. Defaults 10 and 2.
	AIRatePerMinute float64 `yaml:"ai_rate_per_minute"`
	AIBurst         int     `yaml:"ai_burst"`

	// AITimeout bounds a single AI fallback call. Default 5s.
	AITimeout time.Duration `yaml:"ai_timeout"`
}

// ChatConfig configures the chat observers that feed the username window.
// Observers for the stream's own platform are enabled when their channel is
// set.
type ChatConfig struct {
	Twitch TwitchChatConfig `yaml:"twitch"`
	Kick   KickChatConfig   `yaml:"kick"`

	// Reconnect controls observer reconnection.
	Reconnect BackoffConfig `yaml:"reconnect"`
}

// TwitchChatConfig configures the Twitch IRC observer.
type TwitchChatConfig struct {
	Channel string `yaml:"channel"`

	// Nick and Token authenticate the connection. Both empty means an
	// anonymous read-only login.
	Nick  string `yaml:"nick"`
	Token string `yaml:"token"`
}

// KickChatConfig configures the Kick Pusher observer.
type KickChatConfig struct {
	Channel string `yaml:"channel"`

	// ChatroomID skips the channel lookup when set.
	ChatroomID int64 `yaml:"chatroom_id"`
}

// Enabled reports whether a Kick observer should run.
func (k KickChatConfig) Enabled() bool { return k.Channel != "" || k.ChatroomID != 0 }

// ModerationConfig controls validation limits and the action executor.
type ModerationConfig struct {
	// Executor is "log" (dry run) or "webhook". Default "log".
	Executor string `yaml:"executor"`

	WebhookURL   string `yaml:"webhook_url"`
	WebhookToken string `yaml:"webhook_token"`

	// ExecuteTimeout bounds a single executor call. Default 15s.
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`

	// DefaultTimeout is used for timeouts spoken without a duration.
	// Default 600s.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxFollowersOnly time.Duration `yaml:"max_followers_only"`
}

// Limits returns the validation limits.
func (m ModerationConfig) Limits() command.Limits {
	return command.Limits{MaxTimeout: m.MaxTimeout, MaxFollowersOnly: m.MaxFollowersOnly}
}

// AuditConfig selects the audit store.
type AuditConfig struct {
	// PostgresDSN enables the PostgreSQL store. Empty keeps audit records in
	// memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// MemoryCapacity bounds the in-memory store. Default 1000.
	MemoryCapacity int `yaml:"memory_capacity"`
}

// TelemetryConfig controls the OpenTelemetry resource.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// TraceSampleRatio is the fraction of root traces recorded. Zero
	// records every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ProviderEntry configures a single provider.
type ProviderEntry struct {
	// Name selects the implementation, for example "hfendpoint", "openai"
	// or "anyllm:anthropic".
	Name string `yaml:"name"`

	// APIKey accepts ${ENV_VAR} references.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific settings such as "language".
	Options map[string]any `yaml:"options"`
}

// OptString returns the string option key, or "" when unset or not a string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}
