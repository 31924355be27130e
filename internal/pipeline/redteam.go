package pipeline

import (
	"context"
	"strings"

	"github.com/fyrsmithlabs/researchd/internal/state"
)

// RedTeamConfig configures risk evaluation of the draft.
type RedTeamConfig struct {
	// HighStakesTerms mark domains where a wrong answer is costly. A draft
	// or query touching one of these is held to HighStakesFloor.
	HighStakesTerms []string

	// HighStakesFloor is the minimum aggregate verification confidence for
	// a high-stakes draft to pass.
	HighStakesFloor float64

	// MinAggregateConfidence is the absolute floor for any draft.
	MinAggregateConfidence float64

	// MaxRewrites mirrors the engine's rewrite budget so the red-team can
	// tell whether unsupported verdicts are final.
	MaxRewrites int
}

// ApplyDefaults sets default values for unset fields.
func (c *RedTeamConfig) ApplyDefaults() {
	if c.HighStakesTerms == nil {
		c.HighStakesTerms = []string{
			"dosage", "diagnosis", "medication", "prescription", "overdose",
			"lawsuit", "legal advice", "liability", "contract law",
			"investment", "securities", "tax advice", "suicide", "self-harm",
		}
	}
	if c.HighStakesFloor == 0 {
		c.HighStakesFloor = 0.75
	}
	if c.MinAggregateConfidence == 0 {
		c.MinAggregateConfidence = 0.2
	}
}

// RedTeam evaluates risk signals on the verified draft: high-stakes domain
// terms, low aggregate verification confidence, and unsupported verdicts
// that survived the rewrite budget.
type RedTeam struct {
	cfg RedTeamConfig
}

// NewRedTeam creates a red-team stage.
func NewRedTeam(cfg RedTeamConfig) *RedTeam {
	cfg.ApplyDefaults()
	return &RedTeam{cfg: cfg}
}

func (r *RedTeam) Agent() Agent { return AgentRedTeam }

// AuthorizedFields is empty: the red-team writes no state.
func (r *RedTeam) AuthorizedFields() map[state.Field]bool {
	return map[state.Field]bool{}
}

func (r *RedTeam) Execute(ctx context.Context, env Env) (state.Patch, Result) {
	rec := env.State

	aggregate := aggregateConfidence(rec.ClaimVerifications)
	highStakes := r.isHighStakes(rec.Query) || r.isHighStakes(rec.DraftAnswer)
	unresolvedUnsupported := false
	for _, cv := range rec.ClaimVerifications {
		if cv.Verdict == state.VerdictUnsupported {
			unresolvedUnsupported = true
			break
		}
	}
	rewritesExhausted := rec.RetryCounters.Rewrites >= r.cfg.MaxRewrites

	risky := false
	switch {
	case unresolvedUnsupported && rewritesExhausted && highStakes:
		risky = true
	case highStakes && aggregate < r.cfg.HighStakesFloor:
		risky = true
	case aggregate < r.cfg.MinAggregateConfidence:
		risky = true
	}

	if risky {
		return state.Patch{}, Result{Outcome: OutcomeHighRisk, Reason: ReasonHighRisk}
	}
	return state.Patch{}, ok()
}

func (r *RedTeam) isHighStakes(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range r.cfg.HighStakesTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// aggregateConfidence is the mean per-claim confidence weighted by verdict;
// the same combination the decision gate scores on.
func aggregateConfidence(verifications []state.ClaimVerification) float64 {
	if len(verifications) == 0 {
		return 0
	}
	total := 0.0
	for _, cv := range verifications {
		total += cv.Confidence * verdictWeight(cv.Verdict)
	}
	return total / float64(len(verifications))
}
