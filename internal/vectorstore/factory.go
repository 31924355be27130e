package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// Config selects and configures a vector store implementation.
type Config struct {
	// Provider selects the implementation: "chromem" (default) or "qdrant".
	Provider string

	Chromem ChromemConfig
	Qdrant  QdrantConfig
}

// NewStore creates a Store based on the configuration.
//
//   - "chromem" (default): embedded ChromemStore, no external services
//   - "qdrant": QdrantStore, requires an external Qdrant server
func NewStore(cfg Config, embedder Embedder, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemStore(cfg.Chromem, embedder, logger)
	case "qdrant":
		return NewQdrantStore(cfg.Qdrant, embedder)
	default:
		return nil, fmt.Errorf("unsupported vectorstore provider: %s (supported: chromem, qdrant)", cfg.Provider)
	}
}
