// Package observe provides application-wide observability primitives for
// voxmod: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxmod metrics.
const meterName = "github.com/MrWong99/voxmod"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks per-segment transcription latency. Use with
	// attribute.String("provider", ...).
	TranscriptionDuration metric.Float64Histogram

	// LLMDuration tracks completion latency for intent parsing and the AI
	// username fallback. Use with attribute.String("purpose", ...).
	LLMDuration metric.Float64Histogram

	// ResolutionDuration tracks the full username cascade latency.
	ResolutionDuration metric.Float64Histogram

	// SegmentDuration records the audio length of emitted segments.
	SegmentDuration metric.Float64Histogram

	// --- Counters ---

	// Segments counts segments leaving the segmenter. Use with attribute:
	//   attribute.String("outcome", ...): transcribe, too_quiet, sparse_activity
	Segments metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// TranscriptsFiltered counts transcripts dropped by the hallucination
	// filter. Use with attribute.String("reason", ...).
	TranscriptsFiltered metric.Int64Counter

	// WakeDetections counts utterances containing the wake phrase.
	WakeDetections metric.Int64Counter

	// AssemblerEvents counts command assembler transitions. Use with
	// attribute.String("event", ...).
	AssemblerEvents metric.Int64Counter

	// Resolutions counts username resolutions by winning method ("none" when
	// every stage failed).
	Resolutions metric.Int64Counter

	// ModerationActions counts processed commands. Use with attributes:
	//   attribute.String("action", ...), attribute.String("outcome", ...)
	ModerationActions metric.Int64Counter

	// ChatMessages counts observed chat messages by platform.
	ChatMessages metric.Int64Counter

	// CaptureRestarts counts supervised restarts of the audio pipeline.
	CaptureRestarts metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// InFlightTranscriptions tracks transcription tasks currently running.
	InFlightTranscriptions metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live listening sessions.
	ActiveSessions metric.Int64UpDownCounter

	// WindowSize reports the recent-username window occupancy.
	WindowSize metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for network
// calls made on the command path.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// segmentBuckets covers segment lengths between the minimum and maximum
// defaults.
var segmentBuckets = []float64{0.5, 1, 2, 3, 4, 5, 6, 8, 10, 15}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("voxmod.transcription.duration",
		metric.WithDescription("Latency of segment transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxmod.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResolutionDuration, err = m.Float64Histogram("voxmod.username.resolution.duration",
		metric.WithDescription("Latency of the username resolution cascade."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("voxmod.segment.length",
		metric.WithDescription("Audio length of emitted segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Segments, err = m.Int64Counter("voxmod.segments",
		metric.WithDescription("Segments emitted by the segmenter, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voxmod.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsFiltered, err = m.Int64Counter("voxmod.transcripts.filtered",
		metric.WithDescription("Transcripts dropped by the hallucination filter, by reason."),
	); err != nil {
		return nil, err
	}
	if met.WakeDetections, err = m.Int64Counter("voxmod.wake.detections",
		metric.WithDescription("Utterances containing the wake phrase."),
	); err != nil {
		return nil, err
	}
	if met.AssemblerEvents, err = m.Int64Counter("voxmod.assembler.events",
		metric.WithDescription("Command assembler transitions by event."),
	); err != nil {
		return nil, err
	}
	if met.Resolutions, err = m.Int64Counter("voxmod.username.resolutions",
		metric.WithDescription("Username resolutions by winning method."),
	); err != nil {
		return nil, err
	}
	if met.ModerationActions, err = m.Int64Counter("voxmod.moderation.actions",
		metric.WithDescription("Processed moderation commands by action and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ChatMessages, err = m.Int64Counter("voxmod.chat.messages",
		metric.WithDescription("Observed chat messages by platform."),
	); err != nil {
		return nil, err
	}
	if met.CaptureRestarts, err = m.Int64Counter("voxmod.capture.restarts",
		metric.WithDescription("Supervised restarts of the audio capture pipeline."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxmod.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.InFlightTranscriptions, err = m.Int64UpDownCounter("voxmod.transcriptions.in_flight",
		metric.WithDescription("Transcription tasks currently running."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxmod.active_sessions",
		metric.WithDescription("Number of live listening sessions."),
	); err != nil {
		return nil, err
	}
	if met.WindowSize, err = m.Int64Gauge("voxmod.username.window.size",
		metric.WithDescription("Usernames currently held in the recent-username window."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxmod.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSegment counts a segment with its outcome and records its length.
func (m *Metrics) RecordSegment(ctx context.Context, outcome string, seconds float64) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.SegmentDuration.Record(ctx, seconds)
}

// RecordAssemblerEvent counts one command assembler transition.
func (m *Metrics) RecordAssemblerEvent(ctx context.Context, event string) {
	m.AssemblerEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordResolution counts a username resolution and its latency.
func (m *Metrics) RecordResolution(ctx context.Context, method string, seconds float64) {
	m.Resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
	m.ResolutionDuration.Record(ctx, seconds)
}

// RecordModerationAction counts a processed moderation command.
func (m *Metrics) RecordModerationAction(ctx context.Context, action, outcome string) {
	m.ModerationActions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordLLMDuration records one completion latency.
func (m *Metrics) RecordLLMDuration(ctx context.Context, purpose, provider string, seconds float64) {
	m.LLMDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("purpose", purpose),
			attribute.String("provider", provider),
		),
	)
}
