package pipeline

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/state"
	"github.com/fyrsmithlabs/researchd/internal/trace"
)

// RetrieverConfig configures evidence retrieval and the coverage check.
type RetrieverConfig struct {
	// MaxPerQuery limits results requested per derived search query.
	MaxPerQuery int

	// RelevanceThreshold is the minimum score for a chunk to count toward
	// a sub-question's coverage.
	RelevanceThreshold float64

	// CoverageThreshold is the minimum fraction of sub-questions that must
	// be covered before the retriever reports ok instead of
	// needs_more_evidence.
	CoverageThreshold float64

	// MaxExpansions is the retrieval-expansion loop budget. Once the
	// counter reaches it the retriever stops asking for more evidence.
	MaxExpansions int

	// Provider selects the web-search provider, forwarded to the
	// retrieval collaborator. Empty means the collaborator's default.
	Provider string
}

// ApplyDefaults sets default values for unset fields.
func (c *RetrieverConfig) ApplyDefaults() {
	if c.MaxPerQuery == 0 {
		c.MaxPerQuery = 8
	}
	if c.RelevanceThreshold == 0 {
		c.RelevanceThreshold = 0.30
	}
	if c.CoverageThreshold == 0 {
		c.CoverageThreshold = 0.5
	}
	if c.MaxExpansions == 0 {
		// Must match the engine's default expansion budget: a retriever
		// that never asks for more evidence makes the loop-back dead.
		c.MaxExpansions = 2
	}
}

// Retriever runs one retrieval round: one collaborator search per derived
// query, deduplication by (source_id, chunk_id), a stable merge sorted by
// descending relevance, and a coverage estimate that drives the
// needs_more_evidence loop-back.
type Retriever struct {
	search SearchClient
	cfg    RetrieverConfig
	logger *zap.Logger
}

// NewRetriever creates a retriever over the given search collaborator.
func NewRetriever(search SearchClient, cfg RetrieverConfig, logger *zap.Logger) *Retriever {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{search: search, cfg: cfg, logger: logger}
}

func (r *Retriever) Agent() Agent { return AgentRetriever }

func (r *Retriever) AuthorizedFields() map[state.Field]bool {
	return map[state.Field]bool{state.FieldEvidence: true}
}

func (r *Retriever) Execute(ctx context.Context, env Env) (state.Patch, Result) {
	plan := env.State.Plan
	if len(plan) == 0 {
		return state.Patch{}, failed(ReasonInvalidQuery, fmt.Errorf("no plan to retrieve for"))
	}
	attempt := env.State.RetryCounters.RetrievalExpansions

	var (
		collected []state.EvidenceChunk
		firstErr  error
	)
	provider := r.cfg.Provider
	if env.Options.Provider != "" {
		provider = env.Options.Provider
	}
	seen := make(map[string]struct{})
	for planIdx, step := range plan {
		req := SearchRequest{
			Text:     step.SearchQuery,
			Filters:  step.Filters,
			Provider: provider,
			Limit:    r.cfg.MaxPerQuery,
		}
		if attempt > 0 {
			// Expansion rounds broaden recall: query the sub-question
			// verbatim and drop filters.
			req.Text = step.Question
			req.Filters = state.SearchFilters{}
		}
		env.Emit(trace.EventSearchStarted, map[string]any{
			"query":      req.Text,
			"plan_index": planIdx,
			"attempt":    attempt,
		})

		chunks, err := r.search.Search(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return state.Patch{}, failed(ReasonTimeout, ctx.Err())
			}
			if firstErr == nil {
				firstErr = err
			}
			r.logger.Warn("search failed",
				zap.String("query", req.Text),
				zap.Int("plan_index", planIdx),
				zap.Error(err),
			)
			env.Emit(trace.EventSearchCompleted, map[string]any{
				"query":      req.Text,
				"plan_index": planIdx,
				"error":      err.Error(),
			})
			continue
		}

		fresh := 0
		for _, c := range chunks {
			c.PlanIndex = planIdx
			if _, dup := seen[c.Key()]; dup {
				continue
			}
			seen[c.Key()] = struct{}{}
			collected = append(collected, c)
			fresh++
		}
		env.Emit(trace.EventSearchCompleted, map[string]any{
			"query":        req.Text,
			"plan_index":   planIdx,
			"result_count": fresh,
		})
	}

	// Every search failed and nothing was collected this round: surface the
	// collaborator failure so the engine can apply its retry budget.
	if len(collected) == 0 && firstErr != nil && !env.State.HasEvidence() {
		return state.Patch{}, failed(classifyProviderErr(firstErr), firstErr)
	}

	// Stable: ties keep original provider order.
	sort.SliceStable(collected, func(i, j int) bool {
		return collected[i].Score > collected[j].Score
	})

	coverage := r.coverage(plan, env.State.Evidence, collected)
	outcome := ok()
	if coverage < r.cfg.CoverageThreshold && attempt < r.cfg.MaxExpansions {
		outcome = Result{Outcome: OutcomeNeedsMoreEvidence}
	}
	return state.Patch{Evidence: collected}, outcome
}

// coverage computes the fraction of sub-questions with at least one chunk
// at or above the relevance threshold, across evidence already in the
// record and this round's results.
func (r *Retriever) coverage(plan []state.PlanStep, existing, fresh []state.EvidenceChunk) float64 {
	covered := make(map[int]bool)
	for _, set := range [][]state.EvidenceChunk{existing, fresh} {
		for _, c := range set {
			if c.Score >= r.cfg.RelevanceThreshold {
				covered[c.PlanIndex] = true
			}
		}
	}
	return float64(len(covered)) / float64(len(plan))
}
