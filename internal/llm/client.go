// Package llm provides the completion collaborator via langchaingo.
//
// The pipeline only sees the CompletionClient boundary; this package maps
// provider failures onto the pipeline's transient error sentinels so the
// engine can apply its retry budget.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/pipeline"
)

// Config holds configuration for the completion client.
type Config struct {
	// Provider selects the backend: "openai" (or any OpenAI-compatible
	// endpoint via BaseURL) or "stub" for offline operation.
	Provider string

	// BaseURL is the API base URL. For OpenAI: https://api.openai.com/v1.
	BaseURL string

	// Model is the completion model name.
	Model string

	// APIKey authenticates against the provider.
	APIKey string

	// Temperature controls sampling. The pipeline favors low values.
	Temperature float64
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "stub"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
}

// New creates a completion client for the configured provider.
func New(cfg Config, logger *zap.Logger) (pipeline.CompletionClient, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "stub":
		return &StubClient{}, nil
	case "openai":
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithToken(cfg.APIKey),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating openai client: %w", err)
		}
		return &Client{model: model, temperature: cfg.Temperature, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}

// Client wraps a langchaingo model as a pipeline completion collaborator.
type Client struct {
	model       llms.Model
	temperature float64
	logger      *zap.Logger
}

// Complete sends the prompt and input to the model.
func (c *Client) Complete(ctx context.Context, prompt, input string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, c.model,
		prompt+"\n\n"+input,
		llms.WithTemperature(c.temperature),
	)
	if err != nil {
		return "", classify(err)
	}
	return strings.TrimSpace(out), nil
}

// classify maps provider errors onto the pipeline's taxonomy.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", pipeline.ErrRateLimited, err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "503"):
		return fmt.Errorf("%w: %v", pipeline.ErrProviderUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", pipeline.ErrProviderError, err)
	}
}

// StubClient produces extractive answers without a model. It cites the
// first evidence passage so downstream citation mapping still works, which
// keeps the daemon usable in development and tests.
type StubClient struct{}

// Complete returns a deterministic extractive answer.
func (s *StubClient) Complete(ctx context.Context, prompt, input string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	first := firstEvidencePassage(input)
	if first == "" {
		return "The provided evidence does not answer the question.", nil
	}
	return "According to the retrieved sources, " + first + " [1]", nil
}

func firstEvidencePassage(input string) string {
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[1] ") {
			return strings.TrimPrefix(line, "[1] ")
		}
	}
	return ""
}
