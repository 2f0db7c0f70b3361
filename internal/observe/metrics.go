// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, tracing helpers, and HTTP middleware for
// the admin server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so everything stays
// scrapable from the standard /metrics endpoint. Components receive a
// *[Metrics] and record through its methods; a nil receiver is a no-op, so
// wiring metrics is always optional.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all earshot metrics.
const meterName = "github.com/earshot-ai/earshot"

// Metrics holds the metric instruments for the audio pipeline. The
// underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Capture pipeline ---

	// FramesProcessed counts every frame pulled through the capture loop.
	FramesProcessed metric.Int64Counter

	// GainDB tracks the normalizer's current gain in decibels.
	GainDB metric.Float64Gauge

	// InputRMS tracks the smoothed RMS level of the normalized input.
	InputRMS metric.Float64Gauge

	// --- Conversation flow ---

	// WakeTriggers counts wake phrase detections.
	WakeTriggers metric.Int64Counter

	// Utterances counts finalized utterance captures. Use with attribute:
	//   attribute.String("stop_reason", ...)
	Utterances metric.Int64Counter

	// TurnLatency tracks per-phase turn processing latency. Use with
	// attribute:
	//   attribute.String("phase", "transcribe"|"respond"|"speak")
	TurnLatency metric.Float64Histogram

	// Sessions counts finished sessions. Use with attribute:
	//   attribute.String("end_reason", ...)
	Sessions metric.Int64Counter

	// ActiveSessions tracks whether a session is currently live (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- Failure visibility ---

	// ForcedUnmutes counts mute safety timeouts that forced capture open.
	ForcedUnmutes metric.Int64Counter

	// DecoderErrors counts streaming decoder failures. Use with attribute:
	//   attribute.String("stage", "wake"|"segment")
	DecoderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin endpoint latency. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// turn phases: sub-second transcription finalize up to multi-second LLM and
// playback times.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesProcessed, err = m.Int64Counter("earshot.frames.processed",
		metric.WithDescription("Total audio frames pulled through the capture loop."),
	); err != nil {
		return nil, err
	}
	if met.GainDB, err = m.Float64Gauge("earshot.gain.db",
		metric.WithDescription("Current automatic gain in decibels."),
		metric.WithUnit("dB"),
	); err != nil {
		return nil, err
	}
	if met.InputRMS, err = m.Float64Gauge("earshot.input.rms",
		metric.WithDescription("Smoothed RMS level of the normalized input."),
	); err != nil {
		return nil, err
	}

	if met.WakeTriggers, err = m.Int64Counter("earshot.wake.triggers",
		metric.WithDescription("Total wake phrase detections."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("earshot.utterances",
		metric.WithDescription("Total finalized utterances by stop reason."),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("earshot.turn.latency",
		metric.WithDescription("Turn processing latency by phase."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Sessions, err = m.Int64Counter("earshot.sessions",
		metric.WithDescription("Total finished sessions by end reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.sessions.active",
		metric.WithDescription("Number of currently live sessions."),
	); err != nil {
		return nil, err
	}

	if met.ForcedUnmutes, err = m.Int64Counter("earshot.capture.forced_unmutes",
		metric.WithDescription("Mute safety timeouts that forced capture back open."),
	); err != nil {
		return nil, err
	}
	if met.DecoderErrors, err = m.Int64Counter("earshot.decoder.errors",
		metric.WithDescription("Streaming decoder failures by pipeline stage."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which cannot happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one processed capture frame.
func (m *Metrics) RecordFrame(ctx context.Context) {
	if m == nil {
		return
	}
	m.FramesProcessed.Add(ctx, 1)
}

// RecordLevels publishes the current gain and input level.
func (m *Metrics) RecordLevels(ctx context.Context, gainDB, rms float64) {
	if m == nil {
		return
	}
	m.GainDB.Record(ctx, gainDB)
	m.InputRMS.Record(ctx, rms)
}

// RecordWakeTrigger counts one wake phrase detection.
func (m *Metrics) RecordWakeTrigger(ctx context.Context) {
	if m == nil {
		return
	}
	m.WakeTriggers.Add(ctx, 1)
}

// RecordUtterance counts one finalized utterance with its stop reason.
func (m *Metrics) RecordUtterance(ctx context.Context, stopReason string) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stop_reason", stopReason)))
}

// RecordTurnPhase records the duration of one turn phase.
func (m *Metrics) RecordTurnPhase(ctx context.Context, phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("phase", phase)))
}

// SessionStarted marks a session as live.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded counts a finished session and marks it no longer live.
func (m *Metrics) SessionEnded(ctx context.Context, endReason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
	m.Sessions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("end_reason", endReason)))
}

// RecordForcedUnmute counts one mute safety timeout.
func (m *Metrics) RecordForcedUnmute(ctx context.Context) {
	if m == nil {
		return
	}
	m.ForcedUnmutes.Add(ctx, 1)
}

// RecordDecoderError counts one streaming decoder failure.
func (m *Metrics) RecordDecoderError(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.DecoderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)))
}

// recordHTTP records one admin request, tolerating a nil receiver.
func (m *Metrics) recordHTTP(ctx context.Context, method, path string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
		),
	)
}
