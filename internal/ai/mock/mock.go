// Package mock provides test doubles for the ai package interfaces.
package mock

import (
	"context"
	"hash/fnv"
	"sync"
)

// Embedder is a test double for ai.Embedder. Safe for concurrent use.
type Embedder struct {
	// EmbedFunc is called by Embed if set. call is the zero-based index of
	// this invocation across all goroutines.
	EmbedFunc func(ctx context.Context, call int, text string) ([]float32, error)
	Dim       int

	mu    sync.Mutex
	texts []string
}

// NewEmbedder creates a mock embedder producing deterministic vectors of dim
func NewEmbedder(dim int) *Embedder {
	return &Embedder{Dim: dim}
}

func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	call := len(m.texts)
	m.texts = append(m.texts, text)
	m.mu.Unlock()

	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, call, text)
	}
	return DeterministicVector(text, m.Dim), nil
}

func (m *Embedder) Dimension() int { return m.Dim }

// CallCount returns the number of Embed calls so far
func (m *Embedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.texts)
}

// Texts returns the inputs of every Embed call in call order
func (m *Embedder) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

// DeterministicVector derives a stable vector from text using an FNV seed
func DeterministicVector(text string, dim int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()

	vector := make([]float32, dim)
	for i := range vector {
		seed = seed*1664525 + 1013904223 // LCG constants
		vector[i] = float32(seed%1000)/1000.0 + 0.001
	}
	return vector
}

// BasisVector returns a unit-ish vector pointing mostly along axis i
func BasisVector(i, dim int) []float32 {
	v := make([]float32, dim)
	for j := range v {
		v[j] = 0.01
	}
	v[i%dim] = 1
	return v
}

// Synthesizer is a test double for ai.Synthesizer
type Synthesizer struct {
	SynthesizeFunc func(ctx context.Context, query, contextBlock string) (string, error)

	mu    sync.Mutex
	calls []SynthesizeCall
}

type SynthesizeCall struct {
	Query   string
	Context string
}

func (m *Synthesizer) Synthesize(ctx context.Context, query, contextBlock string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, SynthesizeCall{Query: query, Context: contextBlock})
	m.mu.Unlock()

	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, query, contextBlock)
	}
	return "answer to: " + query, nil
}

// Calls returns every recorded Synthesize invocation
func (m *Synthesizer) Calls() []SynthesizeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SynthesizeCall(nil), m.calls...)
}
