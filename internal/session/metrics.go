package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricSessions       = "avatar.sessions"
	metricFramesSent     = "avatar.frames.sent"
	metricFramesSkipped  = "avatar.frames.skipped"
	metricBatchInference = "avatar.batch.inference"
	metricEngineWait     = "avatar.engine.wait"
)

// Metrics holds the streaming instruments. A nil *Metrics records nothing.
type Metrics struct {
	sessions       metric.Int64Counter
	framesSent     metric.Int64Counter
	framesSkipped  metric.Int64Counter
	batchInference metric.Float64Histogram
	engineWait     metric.Float64Histogram
}

func NewMetrics(mt metric.Meter) (*Metrics, error) {
	sessions, err := mt.Int64Counter(metricSessions,
		metric.WithDescription("Streaming jobs by outcome"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSessions, err)
	}
	sent, err := mt.Int64Counter(metricFramesSent,
		metric.WithDescription("Frames delivered to clients"),
		metric.WithUnit("{frame}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricFramesSent, err)
	}
	skipped, err := mt.Int64Counter(metricFramesSkipped,
		metric.WithDescription("Frames dropped by the compositor"),
		metric.WithUnit("{frame}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricFramesSkipped, err)
	}
	inference, err := mt.Float64Histogram(metricBatchInference,
		metric.WithDescription("Engine time per synthesis batch"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBatchInference, err)
	}
	wait, err := mt.Float64Histogram(metricEngineWait,
		metric.WithDescription("Time a batch waited for engine capacity"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricEngineWait, err)
	}
	return &Metrics{
		sessions:       sessions,
		framesSent:     sent,
		framesSkipped:  skipped,
		batchInference: inference,
		engineWait:     wait,
	}, nil
}

// ObserveEngineWait records queueing time in front of the engine.
func (m *Metrics) ObserveEngineWait(d time.Duration) {
	if m == nil {
		return
	}
	m.engineWait.Record(context.Background(), millis(d))
}

func (m *Metrics) session(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) frameSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.framesSent.Add(ctx, 1)
}

func (m *Metrics) frameSkipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.framesSkipped.Add(ctx, 1)
}

func (m *Metrics) batch(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.batchInference.Record(ctx, millis(d))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
