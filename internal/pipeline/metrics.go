package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-tts/internal/pipeline"

// Instrument names. Histogram buckets for MetricUnitDuration are set by the
// meter provider's views.
const (
	MetricUnits        = "loqa.tts.units"
	MetricUnitDuration = "loqa.tts.unit.duration"
	MetricInFlight     = "loqa.tts.inflight"
)

// Metrics holds the dispatcher instruments. A nil *Metrics records nothing.
type Metrics struct {
	units    metric.Int64Counter
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(instrumentationName)
	var err error
	met := &Metrics{}
	if met.units, err = m.Int64Counter(MetricUnits,
		metric.WithDescription("Sentence units synthesized, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.duration, err = m.Float64Histogram(MetricUnitDuration,
		metric.WithDescription("Latency of one sentence synthesis call."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.inflight, err = m.Int64UpDownCounter(MetricInFlight,
		metric.WithDescription("Synthesis calls currently holding a pool slot."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *Metrics) started(ctx context.Context) {
	if m == nil {
		return
	}
	m.inflight.Add(ctx, 1)
}

func (m *Metrics) finished(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.inflight.Add(ctx, -1)
	m.units.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
