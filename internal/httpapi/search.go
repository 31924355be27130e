package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const snippetLimit = 200

// handleSearch runs a web search, fetches and indexes each result, and
// returns the ranked hits. Pages that fail extraction are skipped; a
// search that yields nothing indexable is still a 200 with no results.
func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "malformed request body", nil))
	}
	if req.Query == "" {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_query", "query must not be empty", nil))
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = 8
	}

	provider, err := s.providers.Get(req.SearchProvider)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("unknown_provider", err.Error(), nil))
	}

	ctx := c.Request().Context()
	hits, err := provider.Search(ctx, req.Query, maxResults)
	if err != nil {
		s.logger.Warn("web search failed",
			zap.String("provider", provider.Name()), zap.Error(err))
		return c.JSON(http.StatusBadGateway, errorBody("provider_error", "web search failed", map[string]any{"provider": provider.Name()}))
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		extracted, err := s.extractor.FetchAndExtract(ctx, hit.URL, hit.Title, hit.PublishedAt)
		if err != nil {
			s.logger.Debug("page extraction failed",
				zap.String("url", hit.URL), zap.Error(err))
			continue
		}
		doc, err := s.docs.AddDocument(ctx, extracted.Text, extracted.Title, map[string]string{
			"url":          hit.URL,
			"title":        extracted.Title,
			"published_at": hit.PublishedAt,
			"source_type":  "web",
		})
		if err != nil {
			s.logger.Warn("indexing fetched page failed",
				zap.String("url", hit.URL), zap.Error(err))
			continue
		}
		results = append(results, SearchResult{
			SourceID:    doc.DocumentID,
			Title:       extracted.Title,
			URL:         hit.URL,
			PublishedAt: hit.PublishedAt,
			Snippet:     truncate(extracted.Text, snippetLimit),
		})
	}

	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

// truncate caps s at n characters, cutting on rune boundaries.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
