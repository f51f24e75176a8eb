package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"kb-rag-service/internal/config"
	"kb-rag-service/internal/errs"
	"kb-rag-service/internal/telemetry"

	"github.com/google/generative-ai-go/genai"
	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

var embedTracer = otel.Tracer("kb-rag-service/embeddings")

// Embedder maps a text to a dense vector of a fixed dimension
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// OpenAIEmbedder calls the OpenAI embeddings API through langchaingo
type OpenAIEmbedder struct {
	embedder  *embeddings.EmbedderImpl
	model     string
	dimension int
}

func NewOpenAIEmbedder(apiKey, baseURL, model string, dimension int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		// OpenAI compatible servers (TEI, vLLM) accept any token
		apiKey = "placeholder"
	}
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}

	// chunk text is embedded verbatim
	emb, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(false))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &OpenAIEmbedder{embedder: emb, model: model, dimension: dimension}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.embedder.EmbedQuery(ctx, text)
}

func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// GoogleEmbedder calls Google Generative AI embeddings (text-embedding-004)
type GoogleEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
}

func NewGoogleEmbedder(ctx context.Context, apiKey, model string, dimension int) (*GoogleEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY for embeddings")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GoogleEmbedder{client: client, model: model, dimension: dimension}, nil
}

func (e *GoogleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.EmbeddingModel(e.model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if resp.Embedding == nil {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Embedding.Values, nil
}

func (e *GoogleEmbedder) Dimension() int { return e.dimension }

func (e *GoogleEmbedder) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// GuardedEmbedder wraps a provider with rate limiting, a circuit breaker,
// tracing and dimension checking. Every error it returns is an EmbeddingError.
type GuardedEmbedder struct {
	inner       Embedder
	provider    string
	breaker     *gobreaker.CircuitBreaker
	rateLimiter *rate.Limiter
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

type GuardOption func(*guardOptions)

type guardOptions struct {
	rps     float64
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// WithRateLimit caps outgoing calls per second; zero disables the limiter
func WithRateLimit(rps float64) GuardOption {
	return func(o *guardOptions) { o.rps = rps }
}

func WithMetrics(m *telemetry.Metrics) GuardOption {
	return func(o *guardOptions) { o.metrics = m }
}

func WithLogger(l *slog.Logger) GuardOption {
	return func(o *guardOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func NewGuardedEmbedder(inner Embedder, provider string, opts ...GuardOption) *GuardedEmbedder {
	o := guardOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "embedder", "provider", provider)

	g := &GuardedEmbedder{
		inner:    inner,
		provider: provider,
		metrics:  o.metrics,
		logger:   logger,
	}
	g.breaker = newBreaker("Embeddings-"+provider, logger, o.metrics)
	if o.rps > 0 {
		burst := int(o.rps)
		if burst < 1 {
			burst = 1
		}
		g.rateLimiter = rate.NewLimiter(rate.Limit(o.rps), burst)
	}
	return g
}

func (g *GuardedEmbedder) Dimension() int { return g.inner.Dimension() }

func (g *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := embedTracer.Start(ctx, "embedder.embed")
	defer span.End()
	span.SetAttributes(
		attribute.String("embedding.provider", g.provider),
		attribute.Int("embedding.text_length", len(text)),
	)

	start := time.Now()
	vec, err := g.embed(ctx, text)
	g.metrics.RecordEmbedding(ctx, g.provider, err == nil, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "success")
	return vec, nil
}

func (g *GuardedEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	if g.rateLimiter != nil {
		if err := g.rateLimiter.Wait(ctx); err != nil {
			return nil, errs.Embedding("waiting for rate limiter", err)
		}
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errs.Embedding("embedding provider circuit open", err)
		}
		return nil, errs.Embedding("calling "+g.provider+" embeddings", err)
	}

	vec := result.([]float32)
	if want := g.inner.Dimension(); want > 0 && len(vec) != want {
		return nil, errs.Embedding("checking vector", fmt.Errorf("provider returned %d dimensions, want %d", len(vec), want))
	}
	return vec, nil
}

// Close releases the provider client if it holds one
func (g *GuardedEmbedder) Close() error {
	if c, ok := g.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NewEmbedder builds the configured provider wrapped in a GuardedEmbedder
func NewEmbedder(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) (*GuardedEmbedder, error) {
	var (
		inner Embedder
		err   error
	)
	switch cfg.EmbeddingsProvider {
	case config.ProviderOpenAI, "":
		inner, err = NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIEmbeddingsModel, cfg.VectorSize)
	case config.ProviderGoogle:
		inner, err = NewGoogleEmbedder(ctx, cfg.GeminiAPIKey, cfg.GoogleEmbeddingsModel, cfg.VectorSize)
	default:
		return nil, fmt.Errorf("unknown embeddings provider: %s", cfg.EmbeddingsProvider)
	}
	if err != nil {
		return nil, err
	}

	return NewGuardedEmbedder(inner, cfg.EmbeddingsProvider,
		WithRateLimit(cfg.EmbeddingRPS),
		WithMetrics(metrics),
		WithLogger(logger),
	), nil
}
