package services

import (
	"context"
	"errors"
	"testing"

	"kb-rag-service/internal/ai"
	"kb-rag-service/internal/ai/mock"
	"kb-rag-service/internal/errs"
	"kb-rag-service/internal/vectorindex"
	"kb-rag-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seededIndex holds three points along distinct axes
func seededIndex(t *testing.T) *vectorindex.ChromemIndex {
	t.Helper()
	index, err := vectorindex.NewChromemIndex("", nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, index.EnsureCollection(ctx, testCollection, testDim, "cosine"))
	require.NoError(t, index.Upsert(ctx, testCollection, []vectorindex.Point{
		{ID: "11111111-1111-1111-1111-111111111111", Vector: []float32{1, 0, 0, 0}, Payload: vectorindex.Payload{DocumentID: "doc", Text: "alpha", SequenceIndex: 0}},
		{ID: "22222222-2222-2222-2222-222222222222", Vector: []float32{0.7, 0.7, 0, 0}, Payload: vectorindex.Payload{DocumentID: "doc", Text: "beta", SequenceIndex: 1}},
		{ID: "33333333-3333-3333-3333-333333333333", Vector: []float32{0, 0, 1, 0}, Payload: vectorindex.Payload{DocumentID: "doc", Text: "gamma", SequenceIndex: 2}},
	}))
	return index
}

func fixedEmbedder(vec []float32) *mock.Embedder {
	e := mock.NewEmbedder(testDim)
	e.EmbedFunc = func(context.Context, int, string) ([]float32, error) { return vec, nil }
	return e
}

func newRetrieval(t *testing.T, embedder ai.Embedder, index vectorindex.Index, opts ...RetrievalOption) *RetrievalService {
	t.Helper()
	svc, err := NewRetrievalService(embedder, index, testCollection, opts...)
	require.NoError(t, err)
	return svc
}

func TestQueryRejectsBlankMessageWithoutEmbedding(t *testing.T) {
	embedder := mock.NewEmbedder(testDim)
	svc := newRetrieval(t, embedder, seededIndex(t))

	for _, msg := range []string{"", "   ", "\n\t"} {
		_, err := svc.Query(context.Background(), QueryRequest{Message: msg})
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrValidation)
	}
	assert.Zero(t, embedder.CallCount())
}

func TestQueryTopKBounds(t *testing.T) {
	embedder := fixedEmbedder([]float32{1, 0, 0, 0})
	svc := newRetrieval(t, embedder, seededIndex(t), WithTopK(2, 3))

	for _, k := range []int{-1, 4} {
		_, err := svc.Query(context.Background(), QueryRequest{Message: "q", TopK: k})
		assert.ErrorIs(t, err, errs.ErrValidation, "top_k %d", k)
	}
	assert.Zero(t, embedder.CallCount())

	res, err := svc.Query(context.Background(), QueryRequest{Message: "q"})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 2)

	res, err = svc.Query(context.Background(), QueryRequest{Message: "q", TopK: 3})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 3)
}

func TestQueryOrdersHitsAndJoinsContext(t *testing.T) {
	svc := newRetrieval(t, fixedEmbedder([]float32{1, 0.2, 0, 0}), seededIndex(t))

	res, err := svc.Query(context.Background(), QueryRequest{Message: "which letter?", TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, "which letter?", res.Query)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, res.RetrievedChunks)
	assert.Equal(t, "alpha\n\nbeta\n\ngamma", res.Context)
	assert.Equal(t, models.AnswerSkipped, res.AnswerStatus)
	assert.Empty(t, res.Answer)

	require.Len(t, res.Matches, 3)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", res.Matches[0].ChunkID)
	assert.Equal(t, "doc", res.Matches[0].DocumentID)
	assert.GreaterOrEqual(t, res.Matches[0].Score, res.Matches[1].Score)
	assert.GreaterOrEqual(t, res.Matches[1].Score, res.Matches[2].Score)
}

func TestQuerySynthesizesAnswer(t *testing.T) {
	synth := &mock.Synthesizer{}
	svc := newRetrieval(t, fixedEmbedder([]float32{0, 0, 1, 0}), seededIndex(t), WithSynthesizer(synth))

	res, err := svc.Query(context.Background(), QueryRequest{Message: "gamma?", TopK: 1, Synthesize: true})
	require.NoError(t, err)
	assert.Equal(t, models.AnswerGenerated, res.AnswerStatus)
	assert.Equal(t, "answer to: gamma?", res.Answer)

	calls := synth.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "gamma", calls[0].Context)
}

func TestQuerySynthesisFailureKeepsChunks(t *testing.T) {
	synth := &mock.Synthesizer{SynthesizeFunc: func(context.Context, string, string) (string, error) {
		return "", errors.New("model overloaded")
	}}
	svc := newRetrieval(t, fixedEmbedder([]float32{1, 0, 0, 0}), seededIndex(t), WithSynthesizer(synth))

	res, err := svc.Query(context.Background(), QueryRequest{Message: "q", TopK: 2, Synthesize: true})
	require.NoError(t, err)
	assert.Equal(t, models.AnswerFailed, res.AnswerStatus)
	assert.Empty(t, res.Answer)
	assert.Contains(t, res.SynthesisError, "model overloaded")
	assert.Len(t, res.RetrievedChunks, 2)
}

func TestQueryWithoutSynthesizer(t *testing.T) {
	svc := newRetrieval(t, fixedEmbedder([]float32{1, 0, 0, 0}), seededIndex(t))

	res, err := svc.Query(context.Background(), QueryRequest{Message: "q", Synthesize: true})
	require.NoError(t, err)
	assert.Equal(t, models.AnswerUnavailable, res.AnswerStatus)
	assert.NotEmpty(t, res.RetrievedChunks)
}

func TestQueryEmptyCollection(t *testing.T) {
	index, err := vectorindex.NewChromemIndex("", nil)
	require.NoError(t, err)
	require.NoError(t, index.EnsureCollection(context.Background(), testCollection, testDim, "cosine"))
	synth := &mock.Synthesizer{}
	svc := newRetrieval(t, fixedEmbedder([]float32{1, 0, 0, 0}), index, WithSynthesizer(synth))

	res, err := svc.Query(context.Background(), QueryRequest{Message: "anything", Synthesize: true})
	require.NoError(t, err)
	assert.Empty(t, res.RetrievedChunks)
	assert.Empty(t, res.Context)
	assert.Equal(t, models.AnswerNoContext, res.AnswerStatus)
	assert.Equal(t, ai.NoInformationReply, res.Answer)
	assert.Empty(t, synth.Calls())

	res, err = svc.Query(context.Background(), QueryRequest{Message: "anything"})
	require.NoError(t, err)
	assert.Equal(t, models.AnswerSkipped, res.AnswerStatus)
	assert.Empty(t, res.Answer)
}

func TestQueryEmbeddingFailure(t *testing.T) {
	embedder := mock.NewEmbedder(testDim)
	embedder.EmbedFunc = func(context.Context, int, string) ([]float32, error) {
		return nil, errs.Embedding("embed", errors.New("invalid api key"))
	}
	svc := newRetrieval(t, embedder, seededIndex(t))

	_, err := svc.Query(context.Background(), QueryRequest{Message: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrEmbedding)
	assert.Equal(t, errs.StageEmbedding, errs.StageOf(err))
}

func TestQueryIndexFailure(t *testing.T) {
	index, err := vectorindex.NewChromemIndex("", nil)
	require.NoError(t, err)
	svc := newRetrieval(t, fixedEmbedder([]float32{1, 0, 0, 0}), index)

	_, err = svc.Query(context.Background(), QueryRequest{Message: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIndex)
	assert.ErrorIs(t, err, vectorindex.ErrCollectionNotFound)
	assert.Equal(t, errs.StageSearching, errs.StageOf(err))
}

func TestNewRetrievalServiceValidatesBounds(t *testing.T) {
	_, err := NewRetrievalService(mock.NewEmbedder(testDim), seededIndex(t), testCollection, WithTopK(10, 5))
	assert.Error(t, err)

	_, err = NewRetrievalService(mock.NewEmbedder(testDim), seededIndex(t), "bad name!")
	assert.Error(t, err)
}
