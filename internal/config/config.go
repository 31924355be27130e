// Package config provides configuration loading for researchd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the research daemon.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	LLM           LLMConfig           `koanf:"llm"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	WebSearch     WebSearchConfig     `koanf:"websearch"`
	Storage       StorageConfig       `koanf:"storage"`
	NATS          NATSConfig          `koanf:"nats"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds log output configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
}

// PipelineConfig holds orchestration engine configuration.
type PipelineConfig struct {
	MaxRetrievalExpansions int           `koanf:"max_retrieval_expansions"`
	MaxRewrites            int           `koanf:"max_rewrites"`
	StageTimeout           time.Duration `koanf:"stage_timeout"`
	ProviderRetries        int           `koanf:"provider_retries"`
	ConfidenceThreshold    float64       `koanf:"confidence_threshold"`
	CompletionRPS          float64       `koanf:"completion_rps"`
}

// LLMConfig holds completion client configuration.
type LLMConfig struct {
	Provider    string  `koanf:"provider"`
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	APIKey      Secret  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
}

// EmbeddingsConfig holds embedding client configuration.
type EmbeddingsConfig struct {
	Provider   string `koanf:"provider"`
	BaseURL    string `koanf:"base_url"`
	Model      string `koanf:"model"`
	APIKey     Secret `koanf:"api_key"`
	Dimensions int    `koanf:"dimensions"`
}

// VectorStoreConfig selects and configures a vector store backend.
type VectorStoreConfig struct {
	Provider string        `koanf:"provider"`
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds embedded chromem-go configuration.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	Collection string `koanf:"collection"`
}

// QdrantConfig holds Qdrant gRPC client configuration.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	Collection string `koanf:"collection"`
	VectorSize uint64 `koanf:"vector_size"`
	UseTLS     bool   `koanf:"use_tls"`
}

// WebSearchConfig holds web search provider configuration.
type WebSearchConfig struct {
	Default    string        `koanf:"default"`
	BingAPIKey Secret        `koanf:"bing_api_key"`
	SerpAPIKey Secret        `koanf:"serpapi_api_key"`
	Timeout    time.Duration `koanf:"timeout"`
}

// StorageConfig holds SQLite database paths and chunking settings.
type StorageConfig struct {
	TraceDBPath    string `koanf:"trace_db_path"`
	DocumentDBPath string `koanf:"document_db_path"`
	ChunkSize      int    `koanf:"chunk_size"`
	ChunkOverlap   int    `koanf:"chunk_overlap"`
}

// NATSConfig holds trace event publishing configuration.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		return fmt.Errorf("pipeline.confidence_threshold must be in [0,1], got %f", c.Pipeline.ConfidenceThreshold)
	}
	if c.Pipeline.MaxRetrievalExpansions < 0 {
		return fmt.Errorf("pipeline.max_retrieval_expansions cannot be negative")
	}
	if c.Pipeline.MaxRewrites < 0 {
		return fmt.Errorf("pipeline.max_rewrites cannot be negative")
	}
	switch c.LLM.Provider {
	case "stub", "openai":
	default:
		return fmt.Errorf("llm.provider must be 'stub' or 'openai', got %q", c.LLM.Provider)
	}
	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("vectorstore.provider must be 'chromem' or 'qdrant', got %q", c.VectorStore.Provider)
	}
	if c.LLM.Provider == "openai" && !c.LLM.APIKey.IsSet() && c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.api_key or llm.base_url required for openai provider")
	}
	return nil
}
