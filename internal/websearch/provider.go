// Package websearch provides web-search provider adapters.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for provider failures.
var (
	// ErrProviderUnavailable indicates the provider could not be reached
	// or returned a server error.
	ErrProviderUnavailable = errors.New("search provider unavailable")

	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("search provider rate limited")

	// ErrUnknownProvider indicates an unconfigured provider name.
	ErrUnknownProvider = errors.New("unknown search provider")
)

// Result is one web search hit.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet"`
	PublishedAt string `json:"published_at,omitempty"`
}

// Provider is a web-search backend.
type Provider interface {
	// Name returns the provider identifier ("bing", "serpapi").
	Name() string

	// Search runs one query and returns up to maxResults hits in provider
	// ranking order.
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// Config selects and authenticates providers.
type Config struct {
	// Default is the provider used when a query does not select one.
	Default string

	// BingAPIKey enables the Bing provider.
	BingAPIKey string

	// SerpAPIKey enables the SerpAPI provider.
	SerpAPIKey string

	// Timeout bounds each provider HTTP call.
	Timeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 20 * time.Second
	}
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	providers map[string]Provider
	def       string
}

// NewRegistry builds a registry from config. Providers without keys are
// simply absent; an empty registry is valid (document-only retrieval).
func NewRegistry(cfg Config) *Registry {
	cfg.ApplyDefaults()
	client := &http.Client{Timeout: cfg.Timeout}

	r := &Registry{providers: make(map[string]Provider), def: cfg.Default}
	if cfg.BingAPIKey != "" {
		r.providers["bing"] = &BingProvider{apiKey: cfg.BingAPIKey, client: client}
	}
	if cfg.SerpAPIKey != "" {
		r.providers["serpapi"] = &SerpAPIProvider{apiKey: cfg.SerpAPIKey, client: client}
	}
	if r.def == "" {
		for name := range r.providers {
			r.def = name
			break
		}
	}
	return r
}

// Register adds a provider under its Name. The first registered provider
// becomes the default when none is configured.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
	if r.def == "" {
		r.def = p.Name()
	}
}

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.def
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no provider configured", ErrUnknownProvider)
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Empty reports whether no provider is configured.
func (r *Registry) Empty() bool {
	return len(r.providers) == 0
}

// classifyStatus maps an HTTP status to a provider error.
func classifyStatus(provider string, status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned 429", ErrRateLimited, provider)
	case status >= 500:
		return fmt.Errorf("%w: %s returned %d", ErrProviderUnavailable, provider, status)
	default:
		return fmt.Errorf("%s returned unexpected status %d", provider, status)
	}
}
