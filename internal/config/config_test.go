package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "kb_db", cfg.DBName)
	assert.Equal(t, "kb_vectors", cfg.CollectionName)
	assert.Equal(t, 1536, cfg.VectorSize)
	assert.Equal(t, 500, cfg.MaxChunkSize)
	assert.Equal(t, 5, cfg.DefaultTopK)
	assert.Equal(t, "cosine", cfg.DistanceMetric)
	assert.Equal(t, "text-embedding-3-small", cfg.OpenAIEmbeddingsModel)
	assert.Equal(t, "gpt-4o-mini", cfg.GenerationModel)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	assert.Equal(t, "localhost:6334", cfg.QdrantAddr())
	assert.False(t, cfg.IngestRequireFullSuccess)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "g-test")
	t.Setenv("EMBEDDINGS_PROVIDER", "google")
	t.Setenv("SYNTHESIS_PROVIDER", "none")
	t.Setenv("VECTOR_BACKEND", "chromem")
	t.Setenv("VECTOR_SIZE", "768")
	t.Setenv("MAX_CHUNK_SIZE", "250")
	t.Setenv("CHUNK_RETRY_BACKOFF", "1s")
	t.Setenv("CORS_ORIGINS", "http://a.test, ,http://b.test")
	t.Setenv("INGEST_REQUIRE_FULL_SUCCESS", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, VectorBackendChromem, cfg.VectorBackend)
	assert.Equal(t, 768, cfg.VectorSize)
	assert.Equal(t, 250, cfg.MaxChunkSize)
	assert.Equal(t, time.Second, cfg.ChunkRetryBackoff)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.True(t, cfg.IngestRequireFullSuccess)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			MaxChunkSize:       500,
			VectorSize:         8,
			DefaultTopK:        5,
			MaxTopK:            50,
			IngestConcurrency:  4,
			DistanceMetric:     "cosine",
			VectorBackend:      VectorBackendChromem,
			EmbeddingsProvider: ProviderOpenAI,
			OpenAIAPIKey:       "sk",
			SynthesisProvider:  ProviderNone,
		}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk size", func(c *Config) { c.MaxChunkSize = 0 }},
		{"zero vector size", func(c *Config) { c.VectorSize = 0 }},
		{"top k above max", func(c *Config) { c.DefaultTopK = 60 }},
		{"no workers", func(c *Config) { c.IngestConcurrency = 0 }},
		{"unknown metric", func(c *Config) { c.DistanceMetric = "manhattan" }},
		{"chromem needs cosine", func(c *Config) { c.DistanceMetric = "dot" }},
		{"unknown backend", func(c *Config) { c.VectorBackend = "faiss" }},
		{"missing openai key", func(c *Config) { c.OpenAIAPIKey = "" }},
		{"gemini synthesis without key", func(c *Config) { c.SynthesisProvider = ProviderGemini }},
		{"negative retries", func(c *Config) { c.ChunkMaxRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
