package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"kb-rag-service/internal/config"
	"kb-rag-service/internal/telemetry"

	"github.com/google/generative-ai-go/genai"
	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

const (
	// NoInformationReply is what the model is told to say when the context
	// does not contain the answer; it is also returned when nothing was retrieved.
	NoInformationReply = "I'm sorry, I don't have relevant information about that."

	// FailureReply stands in for an answer when synthesis failed
	FailureReply = "I'm sorry, something went wrong."

	SystemInstruction = "You are a helpful assistant. Answer **only** using the following context. " +
		"If the answer is not contained in the context, respond with: \"" + NoInformationReply + "\""
)

var (
	ErrSynthesisUnavailable = errors.New("answer synthesis circuit open")
	ErrEmptyAnswer          = errors.New("model returned an empty answer")
)

var synthTracer = otel.Tracer("kb-rag-service/synthesizer")

// Synthesizer produces an answer from a query and an assembled context block
type Synthesizer interface {
	Synthesize(ctx context.Context, query, contextBlock string) (string, error)
}

// BuildUserPrompt lays out the context block and the user's message
func BuildUserPrompt(query, contextBlock string) string {
	return fmt.Sprintf("Context:\n%s\n\nUser message: %s", contextBlock, query)
}

// ChatSynthesizer generates answers with an OpenAI chat model via langchaingo
type ChatSynthesizer struct {
	llm         llms.Model
	model       string
	temperature float64
}

func NewChatSynthesizer(apiKey, baseURL, model string, temperature float64) (*ChatSynthesizer, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai chat client: %w", err)
	}
	return &ChatSynthesizer{llm: llm, model: model, temperature: temperature}, nil
}

func (s *ChatSynthesizer) Synthesize(ctx context.Context, query, contextBlock string) (string, error) {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(SystemInstruction)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(BuildUserPrompt(query, contextBlock))},
		},
	}

	resp, err := s.llm.GenerateContent(ctx, messages, llms.WithTemperature(s.temperature))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyAnswer
	}
	return resp.Choices[0].Content, nil
}

// GeminiSynthesizer generates answers with a Gemini model
type GeminiSynthesizer struct {
	client      *genai.Client
	model       string
	temperature float32
}

func NewGeminiSynthesizer(ctx context.Context, apiKey, model string, temperature float64) (*GeminiSynthesizer, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GeminiSynthesizer{client: client, model: model, temperature: float32(temperature)}, nil
}

func (s *GeminiSynthesizer) Synthesize(ctx context.Context, query, contextBlock string) (string, error) {
	model := s.client.GenerativeModel(s.model)
	model.SetTemperature(s.temperature)
	model.SetMaxOutputTokens(2048)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(SystemInstruction)}}

	resp, err := model.GenerateContent(ctx, genai.Text(BuildUserPrompt(query, contextBlock)))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		break
	}
	return b.String(), nil
}

func (s *GeminiSynthesizer) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// GuardedSynthesizer adds rate limiting, a circuit breaker and tracing.
// When the breaker is open it fails fast with ErrSynthesisUnavailable so the
// caller can fall back to returning chunks only.
type GuardedSynthesizer struct {
	inner       Synthesizer
	model       string
	breaker     *gobreaker.CircuitBreaker
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewGuardedSynthesizer wraps inner; rpm <= 0 disables the rate limiter
func NewGuardedSynthesizer(inner Synthesizer, model string, rpm int, metrics *telemetry.Metrics, logger *slog.Logger) *GuardedSynthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "synthesizer", "model", model)

	g := &GuardedSynthesizer{
		inner:   inner,
		model:   model,
		breaker: newBreaker("Synthesis-"+model, logger, metrics),
		logger:  logger,
	}
	if rpm > 0 {
		// RPM limit with some buffer
		burst := rpm / 10
		if burst < 1 {
			burst = 1
		}
		g.rateLimiter = rate.NewLimiter(rate.Limit(float64(rpm)*0.9/60.0), burst)
	}
	return g
}

func (g *GuardedSynthesizer) Synthesize(ctx context.Context, query, contextBlock string) (string, error) {
	ctx, span := synthTracer.Start(ctx, "synthesizer.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("synthesis.model", g.model),
		attribute.Int("synthesis.context_length", len(contextBlock)),
	)

	if g.rateLimiter != nil {
		if err := g.rateLimiter.Wait(ctx); err != nil {
			span.SetAttributes(attribute.Bool("synthesis.rate_limited", true))
			return "", err
		}
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		answer, err := g.inner.Synthesize(ctx, query, contextBlock)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(answer) == "" {
			return nil, ErrEmptyAnswer
		}
		return answer, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetAttributes(attribute.Bool("synthesis.circuit_breaker_open", true))
			return "", fmt.Errorf("%w: %v", ErrSynthesisUnavailable, err)
		}
		return "", err
	}

	span.SetStatus(codes.Ok, "success")
	return result.(string), nil
}

func (g *GuardedSynthesizer) Close() error {
	if c, ok := g.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// NewSynthesizer builds the configured synthesizer. It returns nil, nil when
// synthesis is disabled.
func NewSynthesizer(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) (*GuardedSynthesizer, error) {
	var (
		inner Synthesizer
		err   error
	)
	switch cfg.SynthesisProvider {
	case config.ProviderNone:
		return nil, nil
	case config.ProviderOpenAI, "":
		inner, err = NewChatSynthesizer(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.GenerationModel, cfg.SynthesisTemperature)
	case config.ProviderGemini:
		inner, err = NewGeminiSynthesizer(ctx, cfg.GeminiAPIKey, cfg.GenerationModel, cfg.SynthesisTemperature)
	default:
		return nil, fmt.Errorf("unknown synthesis provider: %s", cfg.SynthesisProvider)
	}
	if err != nil {
		return nil, err
	}
	return NewGuardedSynthesizer(inner, cfg.GenerationModel, cfg.SynthesisRPM, metrics, logger), nil
}
