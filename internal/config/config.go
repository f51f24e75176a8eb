package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	VectorBackendQdrant  = "qdrant"
	VectorBackendChromem = "chromem"

	ProviderOpenAI = "openai"
	ProviderGoogle = "google"
	ProviderGemini = "gemini"
	ProviderNone   = "none"

	// MONGO_URI value selecting the in-process document store
	MemoryStoreURI = "memory"
)

type Config struct {
	Port           string
	GinMode        string
	LogLevel       string
	CORSOrigins    []string
	MaxFileSize    int64
	FileStorageDir string
	// async uploads older than this are removed by the worker janitor
	UploadRetention time.Duration

	// MongoDB document store
	MongoURI            string
	DBName              string
	DocumentsCollection string
	ChunksCollection    string

	// Vector index
	VectorBackend  string // "qdrant" (default), "chromem"
	QdrantHost     string
	QdrantPort     int
	QdrantAPIKey   string
	QdrantUseTLS   bool
	ChromemPath    string // empty keeps chromem in memory
	CollectionName string
	VectorSize     int
	DistanceMetric string
	AutoMigrate    bool

	// Embeddings
	EmbeddingsProvider    string // "openai" (default), "google"
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	OpenAIEmbeddingsModel string
	GeminiAPIKey          string
	GoogleEmbeddingsModel string
	EmbeddingRPS          float64

	// Answer synthesis
	SynthesisProvider    string // "openai" (default), "gemini", "none"
	GenerationModel      string
	SynthesisRPM         int
	SynthesisTemperature float64

	// Pipeline
	MaxChunkSize             int
	DefaultTopK              int
	MaxTopK                  int
	IngestConcurrency        int
	IngestRequireFullSuccess bool
	ChunkMaxRetries          int
	ChunkRetryBackoff        time.Duration

	// URL sources
	URLFetchTimeout time.Duration
	URLRenderJS     bool

	// Redis Configuration
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RateLimitReqs   int
	RateLimitWindow int

	// Telemetry
	TracingEnabled   bool
	OTLPEndpoint     string
	TraceSampleRatio float64
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		GinMode:         getEnv("GIN_MODE", "debug"),
		LogLevel:        getEnv("LOG_LEVEL", ""),
		CORSOrigins:     getEnvList("CORS_ORIGINS", "http://localhost:3000"),
		MaxFileSize:     getEnvInt64("MAX_FILE_SIZE", 52428800), // 50MB
		FileStorageDir:  getEnv("FILE_STORAGE_DIR", "./storage"),
		UploadRetention: getEnvDuration("UPLOAD_RETENTION", 24*time.Hour),

		MongoURI:            getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:              getEnv("DB_NAME", "kb_db"),
		DocumentsCollection: getEnv("DOCUMENTS_COLLECTION", "documents"),
		ChunksCollection:    getEnv("CHUNKS_COLLECTION", "chunks"),

		VectorBackend:  strings.ToLower(getEnv("VECTOR_BACKEND", VectorBackendQdrant)),
		QdrantHost:     getEnv("QDRANT_HOST", "localhost"),
		QdrantPort:     getEnvInt("QDRANT_PORT", 6334), // gRPC port
		QdrantAPIKey:   getEnv("QDRANT_API_KEY", ""),
		QdrantUseTLS:   getEnvBool("QDRANT_USE_TLS", false),
		ChromemPath:    getEnv("CHROMEM_PATH", ""),
		CollectionName: getEnv("COLLECTION_NAME", "kb_vectors"),
		VectorSize:     getEnvInt("VECTOR_SIZE", 1536),
		DistanceMetric: strings.ToLower(getEnv("DISTANCE_METRIC", "cosine")),
		AutoMigrate:    getEnvBool("AUTO_MIGRATE", true),

		EmbeddingsProvider:    strings.ToLower(getEnv("EMBEDDINGS_PROVIDER", ProviderOpenAI)),
		OpenAIAPIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:         getEnv("OPENAI_BASE_URL", ""),
		OpenAIEmbeddingsModel: getEnv("OPENAI_EMBEDDINGS_MODEL", "text-embedding-3-small"),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		GoogleEmbeddingsModel: getEnv("GOOGLE_EMBEDDINGS_MODEL", "text-embedding-004"),
		EmbeddingRPS:          getEnvFloat64("EMBEDDING_RPS", 50),

		SynthesisProvider:    strings.ToLower(getEnv("SYNTHESIS_PROVIDER", ProviderOpenAI)),
		GenerationModel:      getEnv("GENERATION_MODEL", ""),
		SynthesisRPM:         getEnvInt("SYNTHESIS_RPM", 60),
		SynthesisTemperature: getEnvFloat64("SYNTHESIS_TEMPERATURE", 0.2),

		MaxChunkSize:             getEnvInt("MAX_CHUNK_SIZE", 500),
		DefaultTopK:              getEnvInt("DEFAULT_TOP_K", 5),
		MaxTopK:                  getEnvInt("MAX_TOP_K", 50),
		IngestConcurrency:        getEnvInt("INGEST_CONCURRENCY", 8),
		IngestRequireFullSuccess: getEnvBool("INGEST_REQUIRE_FULL_SUCCESS", false),
		ChunkMaxRetries:          getEnvInt("CHUNK_MAX_RETRIES", 0),
		ChunkRetryBackoff:        getEnvDuration("CHUNK_RETRY_BACKOFF", 200*time.Millisecond),

		URLFetchTimeout: getEnvDuration("URL_FETCH_TIMEOUT", 30*time.Second),
		URLRenderJS:     getEnvBool("URL_RENDER_JS", false),

		RedisURL:        getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		RateLimitReqs:   getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow: getEnvInt("RATE_LIMIT_WINDOW", 60),

		TracingEnabled:   getEnvBool("TRACING_ENABLED", false),
		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TraceSampleRatio: getEnvFloat64("TRACE_SAMPLE_RATIO", 0.1),
	}

	if cfg.GenerationModel == "" {
		cfg.GenerationModel = "gpt-4o-mini"
		if cfg.SynthesisProvider == ProviderGemini {
			cfg.GenerationModel = "gemini-2.0-flash"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a request
func (c *Config) Validate() error {
	if c.MaxChunkSize < 1 {
		return fmt.Errorf("MAX_CHUNK_SIZE must be positive, got %d", c.MaxChunkSize)
	}
	if c.VectorSize < 1 {
		return fmt.Errorf("VECTOR_SIZE must be positive, got %d", c.VectorSize)
	}
	if c.DefaultTopK < 1 || c.MaxTopK < c.DefaultTopK {
		return fmt.Errorf("DEFAULT_TOP_K must be in [1, MAX_TOP_K], got %d (max %d)", c.DefaultTopK, c.MaxTopK)
	}
	if c.IngestConcurrency < 1 {
		return fmt.Errorf("INGEST_CONCURRENCY must be positive, got %d", c.IngestConcurrency)
	}
	if c.ChunkMaxRetries < 0 {
		return fmt.Errorf("CHUNK_MAX_RETRIES must not be negative")
	}

	switch c.DistanceMetric {
	case "cosine", "dot", "euclid":
	default:
		return fmt.Errorf("unknown DISTANCE_METRIC: %s", c.DistanceMetric)
	}

	switch c.VectorBackend {
	case VectorBackendQdrant:
		if c.QdrantHost == "" {
			return fmt.Errorf("QDRANT_HOST is required for the qdrant backend")
		}
	case VectorBackendChromem:
		if c.DistanceMetric != "cosine" {
			return fmt.Errorf("chromem backend only supports cosine distance")
		}
	default:
		return fmt.Errorf("unknown VECTOR_BACKEND: %s", c.VectorBackend)
	}

	switch c.EmbeddingsProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
			return fmt.Errorf("OPENAI_API_KEY is required - set it in .env file")
		}
	case ProviderGoogle:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for google embeddings")
		}
	default:
		return fmt.Errorf("unknown EMBEDDINGS_PROVIDER: %s", c.EmbeddingsProvider)
	}

	switch c.SynthesisProvider {
	case ProviderNone:
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for openai synthesis")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for gemini synthesis")
		}
	default:
		return fmt.Errorf("unknown SYNTHESIS_PROVIDER: %s", c.SynthesisProvider)
	}

	return nil
}

// QdrantAddr is host:port of the Qdrant gRPC endpoint
func (c *Config) QdrantAddr() string {
	return fmt.Sprintf("%s:%d", c.QdrantHost, c.QdrantPort)
}
