// Package retrieval merges vector-store and web-search results into
// evidence chunks for the pipeline.
package retrieval

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/pipeline"
	"github.com/fyrsmithlabs/researchd/internal/state"
	"github.com/fyrsmithlabs/researchd/internal/vectorstore"
	"github.com/fyrsmithlabs/researchd/internal/websearch"
)

// Config tunes the merged retrieval behavior.
type Config struct {
	// WebScoreBase is the score assigned to the top-ranked web result.
	// Default: 0.75
	WebScoreBase float64

	// WebScoreDecay is subtracted per rank position.
	// Default: 0.05
	WebScoreDecay float64

	// WebScoreFloor is the minimum score a web result can receive.
	// Default: 0.30
	WebScoreFloor float64
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.WebScoreBase == 0 {
		c.WebScoreBase = 0.75
	}
	if c.WebScoreDecay == 0 {
		c.WebScoreDecay = 0.05
	}
	if c.WebScoreFloor == 0 {
		c.WebScoreFloor = 0.30
	}
}

// Service fans one search out to the vector store and a web-search
// provider, converts both result shapes into evidence chunks, and
// merges them. It implements the pipeline's search collaborator
// boundary.
type Service struct {
	store     vectorstore.Store
	providers *websearch.Registry
	cfg       Config
	logger    *zap.Logger
}

// NewService creates a retrieval service. Either backend may be nil or
// empty; searches then run against whatever is available.
func NewService(store vectorstore.Store, providers *websearch.Registry, cfg Config, logger *zap.Logger) *Service {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, providers: providers, cfg: cfg, logger: logger}
}

// Search runs the vector and web lookups for one derived query and
// returns merged evidence. A backend failure is tolerated while the
// other backend produces results; if nothing was retrieved at all the
// first error is surfaced, classified for the engine's retry budget.
func (s *Service) Search(ctx context.Context, req pipeline.SearchRequest) ([]state.EvidenceChunk, error) {
	var (
		chunks   []state.EvidenceChunk
		firstErr error
	)

	if s.store != nil {
		vectorChunks, err := s.searchVector(ctx, req)
		if err != nil {
			firstErr = err
			s.logger.Warn("vector search failed", zap.String("query", req.Text), zap.Error(err))
		} else {
			chunks = append(chunks, vectorChunks...)
		}
	}

	if s.providers != nil && !s.providers.Empty() {
		webChunks, err := s.searchWeb(ctx, req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("web search failed",
				zap.String("query", req.Text),
				zap.String("provider", req.Provider),
				zap.Error(err),
			)
		} else {
			chunks = append(chunks, webChunks...)
		}
	}

	if len(chunks) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return rerank(req.Text, chunks), nil
}

func (s *Service) searchVector(ctx context.Context, req pipeline.SearchRequest) ([]state.EvidenceChunk, error) {
	var filters map[string]interface{}
	if req.Filters.SourceType != "" {
		filters = map[string]interface{}{"source_type": req.Filters.SourceType}
	}

	results, err := s.store.Search(ctx, req.Text, req.Limit, filters)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	chunks := make([]state.EvidenceChunk, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			if str, ok := v.(string); ok {
				metadata[k] = str
			}
		}
		sourceID := metadata["source_id"]
		if sourceID == "" {
			sourceID = r.ID
		}
		chunks = append(chunks, state.EvidenceChunk{
			SourceID: sourceID,
			ChunkID:  r.ID,
			Text:     r.Content,
			Score:    float64(r.Score),
			Metadata: metadata,
		})
	}
	return chunks, nil
}

func (s *Service) searchWeb(ctx context.Context, req pipeline.SearchRequest) ([]state.EvidenceChunk, error) {
	provider, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrProviderUnavailable, err)
	}

	results, err := provider.Search(ctx, req.Text, req.Limit)
	if err != nil {
		return nil, classifyWebErr(err)
	}

	chunks := make([]state.EvidenceChunk, 0, len(results))
	rank := 0
	for _, r := range results {
		if r.Snippet == "" {
			continue
		}
		if !withinDateRange(r.PublishedAt, req.Filters.DateRange) {
			continue
		}
		score := s.cfg.WebScoreBase - float64(rank)*s.cfg.WebScoreDecay
		if score < s.cfg.WebScoreFloor {
			score = s.cfg.WebScoreFloor
		}
		chunks = append(chunks, state.EvidenceChunk{
			SourceID: webSourceID(r.URL),
			ChunkID:  "snippet",
			Text:     r.Snippet,
			Score:    score,
			Metadata: map[string]string{
				"title":        r.Title,
				"url":          r.URL,
				"source_type":  "web",
				"published_at": r.PublishedAt,
				"provider":     provider.Name(),
			},
		})
		rank++
	}
	return chunks, nil
}

// classifyWebErr translates web-search sentinels into the pipeline's
// provider error taxonomy.
func classifyWebErr(err error) error {
	switch {
	case errors.Is(err, websearch.ErrRateLimited):
		return fmt.Errorf("%w: %v", pipeline.ErrRateLimited, err)
	case errors.Is(err, websearch.ErrProviderUnavailable):
		return fmt.Errorf("%w: %v", pipeline.ErrProviderUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", pipeline.ErrProviderError, err)
	}
}

// webSourceID derives a stable source identity from a result URL.
func webSourceID(url string) string {
	sum := sha1.Sum([]byte(url))
	return fmt.Sprintf("web-%x", sum[:4])
}

// withinDateRange reports whether a published-at date falls inside a
// "start/end" range of ISO dates. Malformed dates and open ranges pass
// through; filtering here is best effort.
func withinDateRange(publishedAt, dateRange string) bool {
	if dateRange == "" || publishedAt == "" {
		return true
	}
	start, end, ok := strings.Cut(dateRange, "/")
	if !ok {
		return true
	}
	published, err := time.Parse("2006-01-02", publishedAt[:min(len(publishedAt), 10)])
	if err != nil {
		return true
	}
	if start != "" {
		if t, err := time.Parse("2006-01-02", start); err == nil && published.Before(t) {
			return false
		}
	}
	if end != "" {
		if t, err := time.Parse("2006-01-02", end); err == nil && published.After(t) {
			return false
		}
	}
	return true
}

var _ pipeline.SearchClient = (*Service)(nil)
