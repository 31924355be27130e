package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/state"
	"github.com/fyrsmithlabs/researchd/internal/trace"
)

func stageEnv(rec *state.Record) Env {
	return Env{
		State:   rec,
		Options: DefaultOptions(),
		Emit:    func(typ trace.EventType, payload map[string]any) {},
	}
}

func TestPlanner_SingleQuestion(t *testing.T) {
	p := NewPlanner(PlannerConfig{})
	rec := state.NewRecord("trace-1", "What is the current Go release cadence?")

	patch, res := p.Execute(context.Background(), stageEnv(rec))
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Len(t, patch.Plan, 1)
	assert.Equal(t, "What is the current Go release cadence", patch.Plan[0].Question)
	assert.NotEmpty(t, patch.Plan[0].SearchQuery)
	// Stopwords are stripped from the derived search query.
	assert.NotContains(t, patch.Plan[0].SearchQuery, "the ")
}

func TestPlanner_CompoundQuerySplits(t *testing.T) {
	p := NewPlanner(PlannerConfig{})
	rec := state.NewRecord("trace-1",
		"What changed in the latest release? How does it affect module resolution?")

	patch, res := p.Execute(context.Background(), stageEnv(rec))
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Len(t, patch.Plan, 2)
	assert.Contains(t, patch.Plan[0].Question, "latest release")
	assert.Contains(t, patch.Plan[1].Question, "module resolution")
}

func TestPlanner_CapsSubQuestions(t *testing.T) {
	p := NewPlanner(PlannerConfig{MaxSubQuestions: 2})
	rec := state.NewRecord("trace-1",
		"first topic question? second topic question? third topic question? fourth topic question?")

	patch, res := p.Execute(context.Background(), stageEnv(rec))
	require.Equal(t, OutcomeOK, res.Outcome)
	assert.Len(t, patch.Plan, 2)
}

func TestPlanner_InvalidQueries(t *testing.T) {
	p := NewPlanner(PlannerConfig{})
	for _, query := range []string{"", "   ", "???", "the a an of"} {
		rec := state.NewRecord("trace-1", query)
		_, res := p.Execute(context.Background(), stageEnv(rec))
		assert.Equal(t, OutcomeFailed, res.Outcome, "query %q", query)
		assert.Equal(t, ReasonInvalidQuery, res.Reason, "query %q", query)
	}
}

func TestPlanner_Deterministic(t *testing.T) {
	p := NewPlanner(PlannerConfig{})
	rec := state.NewRecord("trace-1", "compare chromem and qdrant for local workloads")

	first, _ := p.Execute(context.Background(), stageEnv(rec))
	for i := 0; i < 5; i++ {
		again, _ := p.Execute(context.Background(), stageEnv(rec))
		assert.Equal(t, first.Plan, again.Plan)
	}
}

func TestPlanner_AppliesDefaultFilters(t *testing.T) {
	p := NewPlanner(PlannerConfig{DateRange: "2026-01-01/", SourceType: "web"})
	rec := state.NewRecord("trace-1", "recent research on retrieval quality")

	patch, res := p.Execute(context.Background(), stageEnv(rec))
	require.Equal(t, OutcomeOK, res.Outcome)
	require.NotEmpty(t, patch.Plan)
	assert.Equal(t, "2026-01-01/", patch.Plan[0].Filters.DateRange)
	assert.Equal(t, "web", patch.Plan[0].Filters.SourceType)
}
