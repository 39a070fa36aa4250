package narration

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/guidio/internal/narration"

// Metric names recorded by the narrator.
const (
	MetricTimeToFirstAudio = "guidio.narration.time_to_first_audio"
	MetricSentences        = "guidio.narration.sentences"
	MetricFailures         = "guidio.narration.failures"
)

// TimeToFirstAudioBuckets are histogram bounds, in milliseconds, sized for
// one LLM sentence plus one synthesis round trip.
var TimeToFirstAudioBuckets = []float64{100, 250, 500, 750, 1000, 1500, 2000, 3000, 5000, 8000, 15000}

type instruments struct {
	timeToFirstAudio metric.Float64Histogram
	sentences        metric.Int64Counter
	failures         metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	sharedInstr     *instruments
)

// narrationInstruments resolves the instruments against the global meter
// provider on first use, so a provider installed at startup is picked up.
func narrationInstruments() *instruments {
	instrumentsOnce.Do(func() {
		sharedInstr = newInstruments(otel.Meter(instrumentationName))
	})
	return sharedInstr
}

func newInstruments(meter metric.Meter) *instruments {
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	ttfa, err := meter.Float64Histogram(MetricTimeToFirstAudio,
		metric.WithDescription("Time from request start to the first audio chunk."),
		metric.WithUnit("ms"))
	if err != nil {
		ttfa, _ = fallback.Float64Histogram(MetricTimeToFirstAudio)
	}
	sentences, err := meter.Int64Counter(MetricSentences,
		metric.WithDescription("Sentences synthesized."))
	if err != nil {
		sentences, _ = fallback.Int64Counter(MetricSentences)
	}
	failures, err := meter.Int64Counter(MetricFailures,
		metric.WithDescription("Failed narration requests by stage."))
	if err != nil {
		failures, _ = fallback.Int64Counter(MetricFailures)
	}
	return &instruments{timeToFirstAudio: ttfa, sentences: sentences, failures: failures}
}

func (i *instruments) recordFailure(ctx context.Context, shape string, err error) {
	i.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", failureStage(err)),
		attribute.String("shape", shape),
	))
}

func failureStage(err error) string {
	switch {
	case errors.Is(err, ErrSource):
		return "source"
	case errors.Is(err, ErrSynthesis):
		return "synthesis"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unknown"
	}
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
