package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/voxmod/internal/config"
)

// validConfig returns a config that passes Validate after defaults.
func validConfig() *config.Config {
	cfg := &config.Config{
		Stream: config.StreamConfig{Platform: "twitch", URL: "https://twitch.tv/x"},
		Transcription: config.TranscriptionConfig{
			Providers: []config.ProviderEntry{{Name: "whisper", BaseURL: "http://localhost:8178"}},
		},
		LLM: config.ProviderEntry{Name: "openai"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"log level", func(c *config.Config) { c.Server.LogLevel = "bananas" }, "server.log_level"},
		{"platform", func(c *config.Config) { c.Stream.Platform = "youtube" }, "stream.platform"},
		{"missing url", func(c *config.Config) { c.Stream.URL = "" }, "stream.url"},
		{"restart backoff", func(c *config.Config) { c.Stream.Restart.Max = c.Stream.Restart.Initial / 2 }, "stream.restart.max"},
		{"segment bounds", func(c *config.Config) { c.Segmentation.MaxDuration = c.Segmentation.MinDuration / 2 }, "max duration"},
		{"gate fraction", func(c *config.Config) { c.Segmentation.MinActiveFraction = 2 }, "active fraction"},
		{"workers", func(c *config.Config) { c.Transcription.Workers = -1 }, "transcription.workers"},
		{"no providers", func(c *config.Config) { c.Transcription.Providers = nil }, "transcription.providers"},
		{"unnamed provider", func(c *config.Config) { c.Transcription.Providers[0].Name = "" }, "providers[0].name"},
		{"wake", func(c *config.Config) { c.Wake.Second = " " }, "wake.first"},
		{"window capacity", func(c *config.Config) { c.Username.WindowCapacity = -3 }, "window_capacity"},
		{"threshold", func(c *config.Config) { c.Username.PhoneticThreshold = 1.5 }, "phonetic_threshold"},
		{"missing llm", func(c *config.Config) { c.LLM.Name = "" }, "llm.name"},
		{"ai fallback without llm", func(c *config.Config) { c.LLM.Name = ""; c.Username.AIFallback = true }, "ai_fallback"},
		{"twitch token without nick", func(c *config.Config) { c.Chat.Twitch.Token = "oauth:x" }, "chat.twitch.nick"},
		{"executor", func(c *config.Config) { c.Moderation.Executor = "discord" }, "moderation.executor"},
		{"webhook url", func(c *config.Config) { c.Moderation.Executor = config.ExecutorWebhook }, "webhook_url"},
		{"default timeout", func(c *config.Config) { c.Moderation.DefaultTimeout = c.Moderation.MaxTimeout * 2 }, "default_timeout"},
		{"audit capacity", func(c *config.Config) { c.Audit.MemoryCapacity = -1 }, "memory_capacity"},
		{"unknown provider name only warns", func(c *config.Config) { c.Transcription.Providers[0].Name = "custom" }, ""},
		{"anyllm backend", func(c *config.Config) { c.LLM.Name = "anyllm:mistral" }, ""},
		{"unnamed llm fallback", func(c *config.Config) { c.LLMFallbacks = []config.ProviderEntry{{Model: "x"}} }, "llm_fallbacks[0].name"},
		{"unlimited reconnects", func(c *config.Config) { c.Chat.Reconnect.MaxAttempts = config.UnlimitedAttempts }, ""},
		{"reconnect attempts", func(c *config.Config) { c.Chat.Reconnect.MaxAttempts = -2 }, "chat.reconnect.max_attempts"},
		{"sample ratio", func(c *config.Config) { c.Telemetry.TraceSampleRatio = 1.5 }, "trace_sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Server.LogLevel = "loud"
	cfg.Stream.URL = ""
	cfg.Moderation.Executor = "nope"

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "stream.url", "moderation.executor"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q missing %q", err, want)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"stt", "llm"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no provider names listed for %s", kind)
		}
	}
}
