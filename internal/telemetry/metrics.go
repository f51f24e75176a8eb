package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestCounter      metric.Int64Counter
	RequestDuration     metric.Float64Histogram
	DocumentsIngested   metric.Int64Counter
	ChunksProcessed     metric.Int64Counter
	IngestionDuration   metric.Float64Histogram
	EmbeddingDuration   metric.Float64Histogram
	QueryDuration       metric.Float64Histogram
	SynthesisOutcomes   metric.Int64Counter
	CircuitBreakerState metric.Int64Counter
}

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(ServiceName)

	requestCounter, err := meter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	documentsIngested, err := meter.Int64Counter(
		"ingestion.documents.total",
		metric.WithDescription("Ingestion requests by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	chunksProcessed, err := meter.Int64Counter(
		"ingestion.chunks.total",
		metric.WithDescription("Chunks processed by outcome"),
	)
	if err != nil {
		return nil, err
	}

	ingestionDuration, err := meter.Float64Histogram(
		"ingestion.duration",
		metric.WithDescription("End to end ingestion duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	embeddingDuration, err := meter.Float64Histogram(
		"embedding.duration",
		metric.WithDescription("Embedding provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	queryDuration, err := meter.Float64Histogram(
		"retrieval.query.duration",
		metric.WithDescription("Retrieval query duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	synthesisOutcomes, err := meter.Int64Counter(
		"synthesis.outcomes.total",
		metric.WithDescription("Answer synthesis outcomes"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerState, err := meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RequestCounter:      requestCounter,
		RequestDuration:     requestDuration,
		DocumentsIngested:   documentsIngested,
		ChunksProcessed:     chunksProcessed,
		IngestionDuration:   ingestionDuration,
		EmbeddingDuration:   embeddingDuration,
		QueryDuration:       queryDuration,
		SynthesisOutcomes:   synthesisOutcomes,
		CircuitBreakerState: circuitBreakerState,
	}, nil
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.status", status),
	)

	m.RequestCounter.Add(context.Background(), 1, attrs)
	m.RequestDuration.Record(context.Background(), duration, attrs)
}

// RecordIngestion records one finished ingestion request
func (m *Metrics) RecordIngestion(ctx context.Context, sourceType, status string, succeeded, failed int, duration float64) {
	if m == nil {
		return
	}
	m.DocumentsIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source_type", sourceType),
		attribute.String("status", status),
	))
	m.ChunksProcessed.Add(ctx, int64(succeeded), metric.WithAttributes(attribute.String("outcome", "succeeded")))
	m.ChunksProcessed.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("outcome", "failed")))
	m.IngestionDuration.Record(ctx, duration, metric.WithAttributes(attribute.String("status", status)))
}

// RecordEmbedding records a single embedding call
func (m *Metrics) RecordEmbedding(ctx context.Context, provider string, success bool, duration float64) {
	if m == nil {
		return
	}
	m.EmbeddingDuration.Record(ctx, duration, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("success", success),
	))
}

// RecordQuery records a retrieval query
func (m *Metrics) RecordQuery(ctx context.Context, results int, success bool, duration float64) {
	if m == nil {
		return
	}
	m.QueryDuration.Record(ctx, duration, metric.WithAttributes(
		attribute.Int("results", results),
		attribute.Bool("success", success),
	))
}

// RecordSynthesis records how a query's answer was produced
func (m *Metrics) RecordSynthesis(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.SynthesisOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("state", state),
	))
}
