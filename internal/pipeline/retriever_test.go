package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/state"
)

// fakeSearch returns canned chunks per call and records the requests it saw.
type fakeSearch struct {
	results  map[string][]state.EvidenceChunk
	err      error
	requests []SearchRequest
}

func (f *fakeSearch) Search(ctx context.Context, req SearchRequest) ([]state.EvidenceChunk, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[req.Text], nil
}

func planOf(queries ...string) []state.PlanStep {
	steps := make([]state.PlanStep, len(queries))
	for i, q := range queries {
		steps[i] = state.PlanStep{Question: q + "?", SearchQuery: q}
	}
	return steps
}

func TestRetriever_MergesAndSorts(t *testing.T) {
	search := &fakeSearch{results: map[string][]state.EvidenceChunk{
		"alpha": {
			{SourceID: "doc-1", ChunkID: "c1", Text: "low", Score: 0.4},
			{SourceID: "doc-1", ChunkID: "c2", Text: "high", Score: 0.9},
		},
		"beta": {
			{SourceID: "doc-2", ChunkID: "c1", Text: "mid", Score: 0.6},
		},
	}}
	r := NewRetriever(search, RetrieverConfig{}, nil)

	rec := state.NewRecord("trace-1", "q")
	rec.Plan = planOf("alpha", "beta")

	patch, res := r.Execute(context.Background(), stageEnv(rec))
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Len(t, patch.Evidence, 3)
	assert.Equal(t, 0.9, patch.Evidence[0].Score)
	assert.Equal(t, 0.6, patch.Evidence[1].Score)
	assert.Equal(t, 0.4, patch.Evidence[2].Score)
	// Each chunk carries the plan step that produced it.
	assert.Equal(t, 1, patch.Evidence[1].PlanIndex)
}

func TestRetriever_DeduplicatesAcrossQueries(t *testing.T) {
	shared := state.EvidenceChunk{SourceID: "doc-1", ChunkID: "c1", Text: "shared", Score: 0.8}
	search := &fakeSearch{results: map[string][]state.EvidenceChunk{
		"alpha": {shared},
		"beta":  {shared},
	}}
	r := NewRetriever(search, RetrieverConfig{}, nil)

	rec := state.NewRecord("trace-1", "q")
	rec.Plan = planOf("alpha", "beta")

	patch, _ := r.Execute(context.Background(), stageEnv(rec))
	assert.Len(t, patch.Evidence, 1)
}

func TestRetriever_NeedsMoreEvidenceOnLowCoverage(t *testing.T) {
	search := &fakeSearch{results: map[string][]state.EvidenceChunk{
		"alpha": {{SourceID: "doc-1", ChunkID: "c1", Text: "hit", Score: 0.9}},
		// "beta" yields nothing.
	}}
	r := NewRetriever(search, RetrieverConfig{CoverageThreshold: 0.9, MaxExpansions: 2}, nil)

	rec := state.NewRecord("trace-1", "q")
	rec.Plan = planOf("alpha", "beta")

	patch, res := r.Execute(context.Background(), stageEnv(rec))
	assert.Equal(t, OutcomeNeedsMoreEvidence, res.Outcome)
	assert.Len(t, patch.Evidence, 1)
}

// A zero-value config must still leave room for expansion rounds. If the
// budget defaulted to zero, a first round with no results would report ok
// and the coverage loop-back would never fire.
func TestRetriever_DefaultBudgetAllowsExpansion(t *testing.T) {
	search := &fakeSearch{results: map[string][]state.EvidenceChunk{}}
	r := NewRetriever(search, RetrieverConfig{}, nil)
	assert.Equal(t, 2, r.cfg.MaxExpansions)

	rec := state.NewRecord("trace-1", "q")
	rec.Plan = planOf("alpha")

	patch, res := r.Execute(context.Background(), stageEnv(rec))
	assert.Equal(t, OutcomeNeedsMoreEvidence, res.Outcome)
	assert.Empty(t, patch.Evidence)
}

func TestRetriever_ExpansionRoundBroadensQueries(t *testing.T) {
	search := &fakeSearch{results: map[string][]state.EvidenceChunk{}}
	r := NewRetriever(search, RetrieverConfig{MaxExpansions: 2}, nil)

	rec := state.NewRecord("trace-1", "q")
	rec.Plan = []state.PlanStep{{
		Question:    "what is the cadence?",
		SearchQuery: "cadence",
		Filters:     state.SearchFilters{SourceType: "web"},
	}}
	rec.RetryCounters.RetrievalExpansions = 1
	rec.Evidence = []state.EvidenceChunk{{SourceID: "doc-0", ChunkID: "c0", Text: "prior", Score: 0.9}}

	_, _ = r.Execute(context.Background(), stageEnv(rec))
	require.Len(t, search.requests, 1)
	// Expansions search the sub-question verbatim and drop filters.
	assert.Equal(t, "what is the cadence?", search.requests[0].Text)
	assert.Equal(t, state.SearchFilters{}, search.requests[0].Filters)
}

func TestRetriever_StopsAskingAtExpansionBudget(t *testing.T) {
	search := &fakeSearch{results: map[string][]state.EvidenceChunk{}}
	r := NewRetriever(search, RetrieverConfig{CoverageThreshold: 0.9, MaxExpansions: 2}, nil)

	rec := state.NewRecord("trace-1", "q")
	rec.Plan = planOf("alpha")
	rec.RetryCounters.RetrievalExpansions = 2
	rec.Evidence = []state.EvidenceChunk{{SourceID: "doc-0", ChunkID: "c0", Text: "prior", Score: 0.1}}

	_, res := r.Execute(context.Background(), stageEnv(rec))
	assert.Equal(t, OutcomeOK, res.Outcome)
}

func TestRetriever_ClassifiesProviderFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason Reason
	}{
		{"rate limited", fmt.Errorf("%w: 429", ErrRateLimited), ReasonRateLimited},
		{"unavailable", fmt.Errorf("%w: conn refused", ErrProviderUnavailable), ReasonProviderUnavailable},
		{"other", fmt.Errorf("%w: bad payload", ErrProviderError), ReasonProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRetriever(&fakeSearch{err: tt.err}, RetrieverConfig{}, nil)
			rec := state.NewRecord("trace-1", "q")
			rec.Plan = planOf("alpha")

			_, res := r.Execute(context.Background(), stageEnv(rec))
			assert.Equal(t, OutcomeFailed, res.Outcome)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestRetriever_ToleratesFailureWithPriorEvidence(t *testing.T) {
	r := NewRetriever(&fakeSearch{err: ErrProviderUnavailable}, RetrieverConfig{}, nil)

	rec := state.NewRecord("trace-1", "q")
	rec.Plan = planOf("alpha")
	rec.Evidence = []state.EvidenceChunk{{SourceID: "doc-0", ChunkID: "c0", Text: "prior", Score: 0.9}}

	_, res := r.Execute(context.Background(), stageEnv(rec))
	assert.NotEqual(t, OutcomeFailed, res.Outcome)
}

func TestRetriever_NoPlanFails(t *testing.T) {
	r := NewRetriever(&fakeSearch{}, RetrieverConfig{}, nil)
	rec := state.NewRecord("trace-1", "q")

	_, res := r.Execute(context.Background(), stageEnv(rec))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonInvalidQuery, res.Reason)
}

func TestRetriever_ForwardsProviderOption(t *testing.T) {
	search := &fakeSearch{results: map[string][]state.EvidenceChunk{}}
	r := NewRetriever(search, RetrieverConfig{}, nil)

	rec := state.NewRecord("trace-1", "q")
	rec.Plan = planOf("alpha")
	env := stageEnv(rec)
	env.Options.Provider = "serpapi"

	_, _ = r.Execute(context.Background(), env)
	require.Len(t, search.requests, 1)
	assert.Equal(t, "serpapi", search.requests[0].Provider)
}
