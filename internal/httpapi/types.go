package httpapi

import (
	"github.com/fyrsmithlabs/researchd/internal/trace"
)

// QueryOptions are the per-query knobs accepted by the query endpoints.
type QueryOptions struct {
	Stream         bool    `json:"stream"`
	MaxSources     int     `json:"max_sources"`
	Temperature    float64 `json:"temperature"`
	SearchProvider string  `json:"search_provider"`
	EnableVerifier *bool   `json:"enable_verifier"`
}

// QueryRequest is the body for POST /v1/query and /v1/query/stream.
type QueryRequest struct {
	Query     string       `json:"query"`
	UserID    string       `json:"user_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Options   QueryOptions `json:"options"`
}

// SearchRequest is the body for POST /v1/search.
type SearchRequest struct {
	Query          string `json:"query"`
	SearchProvider string `json:"search_provider"`
	MaxResults     int    `json:"max_results"`
}

// SearchResult is one row of a search response.
type SearchResult struct {
	SourceID    string `json:"source_id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublishedAt string `json:"published_at"`
	Snippet     string `json:"snippet"`
}

// SearchResponse is the body for POST /v1/search responses.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// DocumentUploadResponse is returned by POST /v1/documents.
type DocumentUploadResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Chunks     int    `json:"chunks"`
}

// DocumentMetadataResponse is returned by GET /v1/documents/:id.
type DocumentMetadataResponse struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	UploadedAt string `json:"uploaded_at"`
	SizeBytes  int    `json:"size_bytes"`
	Status     string `json:"status"`
}

// TraceResponse is returned by GET /v1/traces/:id.
type TraceResponse struct {
	TraceID string        `json:"trace_id"`
	Query   string        `json:"query"`
	Events  []trace.Event `json:"events"`
}

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
