package ai

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"kb-rag-service/internal/ai/mock"
	"kb-rag-service/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardedEmbedderPassesThrough(t *testing.T) {
	inner := mock.NewEmbedder(4)
	g := NewGuardedEmbedder(inner, "mock")

	vec, err := g.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.Equal(t, mock.DeterministicVector("hello", 4), vec)
	assert.Equal(t, 4, g.Dimension())
}

func TestGuardedEmbedderRejectsWrongDimension(t *testing.T) {
	inner := mock.NewEmbedder(4)
	inner.EmbedFunc = func(_ context.Context, _ int, _ string) ([]float32, error) {
		return []float32{1, 2}, nil
	}
	g := NewGuardedEmbedder(inner, "mock")

	_, err := g.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrEmbedding)
	assert.Contains(t, err.Error(), "2 dimensions, want 4")
}

func TestGuardedEmbedderWrapsProviderErrors(t *testing.T) {
	providerErr := errors.New("429 too many requests")
	inner := mock.NewEmbedder(4)
	inner.EmbedFunc = func(_ context.Context, _ int, _ string) ([]float32, error) {
		return nil, providerErr
	}
	g := NewGuardedEmbedder(inner, "mock")

	for i := 0; i < 3; i++ {
		_, err := g.Embed(context.Background(), "x")
		require.ErrorIs(t, err, errs.ErrEmbedding)
		assert.ErrorIs(t, err, providerErr)
	}

	// three failures out of three trips the breaker; the provider is no longer called
	_, err := g.Embed(context.Background(), "x")
	require.ErrorIs(t, err, errs.ErrEmbedding)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 3, inner.CallCount())
}

func TestGuardedSynthesizerFailsFastWhenOpen(t *testing.T) {
	inner := &mock.Synthesizer{
		SynthesizeFunc: func(context.Context, string, string) (string, error) {
			return "", errors.New("upstream 500")
		},
	}
	g := NewGuardedSynthesizer(inner, "test-model", 0, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := g.Synthesize(context.Background(), "q", "ctx")
		require.Error(t, err)
	}
	_, err := g.Synthesize(context.Background(), "q", "ctx")
	assert.ErrorIs(t, err, ErrSynthesisUnavailable)
	assert.Len(t, inner.Calls(), 3)
}

func TestGuardedSynthesizerRejectsBlankAnswers(t *testing.T) {
	inner := &mock.Synthesizer{
		SynthesizeFunc: func(context.Context, string, string) (string, error) { return "  \n", nil },
	}
	g := NewGuardedSynthesizer(inner, "test-model", 0, nil, nil)

	_, err := g.Synthesize(context.Background(), "q", "ctx")
	assert.ErrorIs(t, err, ErrEmptyAnswer)
}

func TestPromptLayout(t *testing.T) {
	prompt := BuildUserPrompt("what is go?", "Go is a language.\n\nIt has goroutines.")
	assert.True(t, strings.HasPrefix(prompt, "Context:\nGo is a language."))
	assert.True(t, strings.HasSuffix(prompt, "User message: what is go?"))
	assert.Contains(t, SystemInstruction, NoInformationReply)
	assert.Contains(t, SystemInstruction, "**only**")
}

func TestOpenAIEmbeddingLive(t *testing.T) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		t.Skip("OPENAI_API_KEY not set")
	}
	e, err := NewOpenAIEmbedder(os.Getenv("OPENAI_API_KEY"), "", "text-embedding-3-small", 1536)
	if err != nil {
		t.Fatalf("creating embedder: %v", err)
	}
	vec, err := NewGuardedEmbedder(e, "openai").Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("embedding error: %v", err)
	}
	if len(vec) != 1536 {
		t.Fatalf("got %d dimensions", len(vec))
	}
}
