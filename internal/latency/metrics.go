package latency

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics exports turn summaries as OpenTelemetry instruments. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	firstToken metric.Int64Histogram
	firstAudio metric.Int64Histogram
	generation metric.Int64Histogram
	synthesis  metric.Int64Histogram
	turns      metric.Int64Counter
	segments   metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.firstToken, err = meter.Int64Histogram("loqa.turn.first_token",
		metric.WithUnit("ms"), metric.WithDescription("Time from turn start to the first generated token")); err != nil {
		return nil, err
	}
	if m.firstAudio, err = meter.Int64Histogram("loqa.turn.first_audio",
		metric.WithUnit("ms"), metric.WithDescription("Time from turn start to the first playable segment")); err != nil {
		return nil, err
	}
	if m.generation, err = meter.Int64Histogram("loqa.turn.generation",
		metric.WithUnit("ms"), metric.WithDescription("Time from turn start to generation completion")); err != nil {
		return nil, err
	}
	if m.synthesis, err = meter.Int64Histogram("loqa.segment.synthesis",
		metric.WithUnit("ms"), metric.WithDescription("Duration of one synthesis call")); err != nil {
		return nil, err
	}
	if m.turns, err = meter.Int64Counter("loqa.turn.outcomes",
		metric.WithDescription("Turns by outcome")); err != nil {
		return nil, err
	}
	if m.segments, err = meter.Int64Counter("loqa.segment.outcomes",
		metric.WithDescription("Synthesized segments by outcome")); err != nil {
		return nil, err
	}
	return &m, nil
}

// ObserveTurn records the stage timings present in s.
func (m *Metrics) ObserveTurn(ctx context.Context, mode string, s Summary) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	if s.FirstTokenMS != nil {
		m.firstToken.Record(ctx, *s.FirstTokenMS, attrs)
	}
	if s.TimeToFirstAudioMS != nil {
		m.firstAudio.Record(ctx, *s.TimeToFirstAudioMS, attrs)
	}
	if s.GenerationMS != nil {
		m.generation.Record(ctx, *s.GenerationMS, attrs)
	}
}

// ObserveSegment records one synthesis call and its outcome.
func (m *Metrics) ObserveSegment(ctx context.Context, ms int64, ok bool) {
	if m == nil {
		return
	}
	outcome := "ready"
	if !ok {
		outcome = "failed"
	} else {
		m.synthesis.Record(ctx, ms)
	}
	m.segments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// CountTurn increments the turn outcome counter (completed, rate_limited, error, cancelled).
func (m *Metrics) CountTurn(ctx context.Context, mode, outcome string) {
	if m == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode), attribute.String("outcome", outcome)))
}
