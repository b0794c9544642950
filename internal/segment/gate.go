package segment

import (
	"errors"
	"time"

	"github.com/MrWong99/voxmod/pkg/audio"
)

// Rejection reasons reported by [Gate.Admit].
const (
	ReasonTooQuiet       = "too_quiet"
	ReasonSparseActivity = "sparse_activity"
)

// GateConfig controls the RMS energy pre-filter.
type GateConfig struct {
	// Disabled turns the gate into a pass-through.
	Disabled bool

	// MinSpeechVolume is the whole-segment RMS below which a segment is
	// rejected. Each sub-window must exceed half of it to count as active.
	// Zero disables the loudness floor; [DefaultGateConfig] uses 100.
	MinSpeechVolume float64

	// Window is the sub-window length used for the activity ratio.
	// Default 250 ms.
	Window time.Duration

	// MinActiveFraction is the share of sub-windows that must be active.
	// Zero disables the activity check; [DefaultGateConfig] uses 0.3.
	MinActiveFraction float64
}

// DefaultGateConfig returns the production energy-gate settings.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinSpeechVolume:   100,
		Window:            250 * time.Millisecond,
		MinActiveFraction: 0.3,
	}
}

// Validate reports configuration errors.
func (c GateConfig) Validate() error {
	if c.Disabled {
		return nil
	}
	var errs []error
	if c.MinSpeechVolume < 0 {
		errs = append(errs, errors.New("segment: min speech volume must not be negative"))
	}
	if c.Window < 0 {
		errs = append(errs, errors.New("segment: energy window must not be negative"))
	}
	if c.MinActiveFraction < 0 || c.MinActiveFraction > 1 {
		errs = append(errs, errors.New("segment: min active fraction must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// Gate rejects segments that are mostly silence or background noise.
type Gate struct {
	cfg           GateConfig
	windowSamples int
}

// NewGate creates a Gate. The thresholds in cfg are used as given; only a
// zero Window takes its default.
func NewGate(cfg GateConfig) *Gate {
	if cfg.Window == 0 {
		cfg.Window = DefaultGateConfig().Window
	}
	return &Gate{
		cfg:           cfg,
		windowSamples: max(1, audio.DurationSamples(cfg.Window, audio.SampleRate)),
	}
}

// Admit reports whether samples carry enough energy to be transcribed. When
// it returns false the second value names the rejection reason.
func (g *Gate) Admit(samples []int16) (bool, string) {
	if g.cfg.Disabled {
		return true, ""
	}
	if audio.RMS(samples) < g.cfg.MinSpeechVolume {
		return false, ReasonTooQuiet
	}

	activeThreshold := g.cfg.MinSpeechVolume / 2
	var windows, active int
	for start := 0; start < len(samples); start += g.windowSamples {
		end := min(start+g.windowSamples, len(samples))
		windows++
		if audio.RMS(samples[start:end]) > activeThreshold {
			active++
		}
	}
	if windows == 0 || float64(active)/float64(windows) < g.cfg.MinActiveFraction {
		return false, ReasonSparseActivity
	}
	return true, ""
}
