package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/researchd/internal/state"
)

// PlannerConfig configures plan derivation.
type PlannerConfig struct {
	// MaxSubQuestions caps the number of sub-questions derived from one query.
	MaxSubQuestions int

	// DateRange and SourceType are default filters applied to every derived
	// search query (e.g. "month", "web"). Empty means unfiltered.
	DateRange  string
	SourceType string
}

// ApplyDefaults sets default values for unset fields.
func (c *PlannerConfig) ApplyDefaults() {
	if c.MaxSubQuestions == 0 {
		c.MaxSubQuestions = 4
	}
}

// Planner decomposes the user query into ordered sub-questions, each with a
// derived search query. It is deterministic: the same query always yields
// the same plan.
type Planner struct {
	cfg PlannerConfig
}

// NewPlanner creates a planner.
func NewPlanner(cfg PlannerConfig) *Planner {
	cfg.ApplyDefaults()
	return &Planner{cfg: cfg}
}

func (p *Planner) Agent() Agent { return AgentPlanner }

func (p *Planner) AuthorizedFields() map[state.Field]bool {
	return map[state.Field]bool{state.FieldPlan: true}
}

// Execute derives the plan. An empty or unparseable query fails with
// invalid_query; a valid plan always contains at least one search query.
func (p *Planner) Execute(ctx context.Context, env Env) (state.Patch, Result) {
	query := strings.TrimSpace(env.State.Query)
	if query == "" {
		return state.Patch{}, failed(ReasonInvalidQuery, fmt.Errorf("empty query"))
	}
	if len(contentTerms(query)) == 0 {
		return state.Patch{}, failed(ReasonInvalidQuery, fmt.Errorf("query has no content terms"))
	}

	filters := state.SearchFilters{
		DateRange:  p.cfg.DateRange,
		SourceType: p.cfg.SourceType,
	}

	var steps []state.PlanStep
	for _, question := range p.subQuestions(query) {
		steps = append(steps, state.PlanStep{
			Question:    question,
			SearchQuery: deriveSearchQuery(question),
			Filters:     filters,
		})
	}

	return state.Patch{Plan: steps}, ok()
}

// subQuestions splits a compound query into its component questions,
// preserving order. A query with no split points is a single sub-question.
func (p *Planner) subQuestions(query string) []string {
	parts := strings.FieldsFunc(query, func(r rune) bool {
		return r == '?' || r == ';' || r == '\n'
	})
	var questions []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || len(contentTerms(part)) == 0 {
			continue
		}
		questions = append(questions, part)
		if len(questions) == p.cfg.MaxSubQuestions {
			break
		}
	}
	if len(questions) == 0 {
		questions = []string{query}
	}
	return questions
}

// deriveSearchQuery strips stopwords so the retrieval collaborator sees
// content terms only. Questions that are all stopwords fall back to the
// raw text.
func deriveSearchQuery(question string) string {
	terms := contentTerms(question)
	if len(terms) == 0 {
		return question
	}
	return strings.Join(terms, " ")
}
