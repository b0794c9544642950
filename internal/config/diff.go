package config

import "reflect"

// ConfigDiff describes what changed between two configs. Log level and
// phonetic threshold are applied live; every other changed section is listed
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PhoneticThresholdChanged bool
	NewPhoneticThreshold     float64

	// RestartRequired names the YAML sections whose changes only take effect
	// after a restart, in file order.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PhoneticThresholdChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Username.PhoneticThreshold != new.Username.PhoneticThreshold {
		d.PhoneticThresholdChanged = true
		d.NewPhoneticThreshold = new.Username.PhoneticThreshold
	}

	// Live fields are masked out before the section comparison.
	oldUser, newUser := old.Username, new.Username
	oldUser.PhoneticThreshold, newUser.PhoneticThreshold = 0, 0

	sections := []struct {
		name     string
		old, new any
	}{
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"stream", old.Stream, new.Stream},
		{"segmentation", old.Segmentation, new.Segmentation},
		{"transcription", old.Transcription, new.Transcription},
		{"wake", old.Wake, new.Wake},
		{"assembler", old.Assembler, new.Assembler},
		{"username", oldUser, newUser},
		{"llm", old.LLM, new.LLM},
		{"llm_fallbacks", old.LLMFallbacks, new.LLMFallbacks},
		{"chat", old.Chat, new.Chat},
		{"moderation", old.Moderation, new.Moderation},
		{"audit", old.Audit, new.Audit},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
