// Package state defines the shared state record threaded through the
// query pipeline. The record is mutated additively: stages fill fields in
// through authorized patches, they never retract them.
package state

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for record operations.
var (
	// ErrUnauthorizedField is returned when a stage writes a field outside
	// its authorized set.
	ErrUnauthorizedField = errors.New("unauthorized field write")

	// ErrRecordTerminal is returned when a patch is applied after refusal.
	ErrRecordTerminal = errors.New("record is terminal")

	// ErrDanglingCitation is returned when a citation references a
	// (source_id, chunk_id) pair absent from the evidence set.
	ErrDanglingCitation = errors.New("citation references missing evidence")
)

// Verdict classifies how well evidence supports a claim.
type Verdict string

const (
	VerdictSupported   Verdict = "supported"
	VerdictUnsupported Verdict = "unsupported"
	VerdictPartial     Verdict = "partial"
)

// SearchFilters narrows a derived search query.
type SearchFilters struct {
	DateRange  string `json:"date_range,omitempty"`
	SourceType string `json:"source_type,omitempty"`
}

// PlanStep is one sub-question with its derived search query.
type PlanStep struct {
	Question    string        `json:"question"`
	SearchQuery string        `json:"search_query"`
	Filters     SearchFilters `json:"filters,omitempty"`
}

// EvidenceChunk is a unit of retrieved text with provenance metadata.
type EvidenceChunk struct {
	SourceID  string            `json:"source_id"`
	ChunkID   string            `json:"chunk_id"`
	Text      string            `json:"text"`
	Score     float64           `json:"relevance_score"`
	Metadata  map[string]string `json:"source_metadata,omitempty"`
	PlanIndex int               `json:"plan_index"` // index of the plan step that produced this chunk
}

// Key returns the identity used for deduplication.
func (c EvidenceChunk) Key() string {
	return c.SourceID + "\x00" + c.ChunkID
}

// Citation links a span of the draft answer to an evidence chunk.
type Citation struct {
	CitationID  string `json:"citation_id"`
	SourceID    string `json:"source_id"`
	ChunkID     string `json:"chunk_id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublishedAt string `json:"published_at"`
	Snippet     string `json:"snippet"`
	SpanStart   int    `json:"span_start"`
	SpanEnd     int    `json:"span_end"`
}

// ClaimVerification is a verdict linking one claim in the draft to evidence.
type ClaimVerification struct {
	ClaimID          string   `json:"claim_id"`
	ClaimText        string   `json:"claim_text"`
	Verdict          Verdict  `json:"verdict"`
	EvidenceChunkIDs []string `json:"evidence_chunk_ids"`
	Confidence       float64  `json:"confidence"`
	Notes            string   `json:"notes,omitempty"`
}

// RetryCounters tracks orchestrator-driven loop-backs. Counters only
// increase; the engine disables a loop-back once its maximum is reached.
type RetryCounters struct {
	RetrievalExpansions int `json:"retrieval_expansions"`
	Rewrites            int `json:"rewrites"`
}

// Record is the shared state for one query. TraceID and Query are immutable
// after creation; ConfidenceScore and Refusal are owned by the decision gate.
type Record struct {
	TraceID            string              `json:"trace_id"`
	Query              string              `json:"query"`
	Plan               []PlanStep          `json:"plan,omitempty"`
	Evidence           []EvidenceChunk     `json:"evidence,omitempty"`
	DraftAnswer        string              `json:"draft_answer,omitempty"`
	Citations          []Citation          `json:"citations,omitempty"`
	ClaimVerifications []ClaimVerification `json:"claim_verifications,omitempty"`
	ConfidenceScore    float64             `json:"confidence_score"`
	Refusal            bool                `json:"refusal"`
	RetryCounters      RetryCounters       `json:"retry_counters"`
	CreatedAt          time.Time           `json:"created_at"`
}

// NewRecord creates a record for a query entering the engine.
func NewRecord(traceID, query string) *Record {
	return &Record{
		TraceID:   traceID,
		Query:     query,
		CreatedAt: time.Now().UTC(),
	}
}

// HasEvidence reports whether any evidence has been retrieved.
func (r *Record) HasEvidence() bool {
	return len(r.Evidence) > 0
}

// EvidenceKeys returns the set of (source_id, chunk_id) identities present
// in the evidence sequence.
func (r *Record) EvidenceKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(r.Evidence))
	for _, c := range r.Evidence {
		keys[c.Key()] = struct{}{}
	}
	return keys
}

// ValidateCitations checks that every citation references an evidence chunk
// present in the record. A failure is a contract violation: the pipeline
// must never finalize such a record.
func (r *Record) ValidateCitations() error {
	keys := r.EvidenceKeys()
	for _, cit := range r.Citations {
		if _, ok := keys[cit.SourceID+"\x00"+cit.ChunkID]; !ok {
			return fmt.Errorf("%w: citation %s -> (%s, %s)",
				ErrDanglingCitation, cit.CitationID, cit.SourceID, cit.ChunkID)
		}
	}
	return nil
}
