package pipeline

import "github.com/fyrsmithlabs/researchd/internal/state"

// GateConfig configures the decision gate.
type GateConfig struct {
	// ConfidenceThreshold is the minimum aggregate confidence to finalize.
	ConfidenceThreshold float64

	// MaxRewrites mirrors the engine's rewrite budget: a high-risk signal
	// only forces refusal once that budget is exhausted.
	MaxRewrites int
}

// ApplyDefaults sets default values for unset fields.
func (c *GateConfig) ApplyDefaults() {
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.5
	}
}

// Decision is the gate's terminal verdict for a run.
type Decision struct {
	Confidence float64
	Refuse     bool
	Reason     Reason
}

// GateInput is everything the gate is allowed to look at. Keeping the
// input explicit keeps the gate pure: identical inputs always yield the
// same decision, which is what makes refusal policy regressions testable.
type GateInput struct {
	Verifications       []state.ClaimVerification
	Counters            state.RetryCounters
	RedTeamOutcome      Outcome
	VerificationEnabled bool
	HasEvidence         bool
}

// verdictWeight scales a claim's confidence contribution by its verdict.
// Unsupported claims contribute nothing, which makes the aggregate
// monotone: flipping a verdict from supported to unsupported can only
// lower the score.
func verdictWeight(v state.Verdict) float64 {
	switch v {
	case state.VerdictSupported:
		return 1.0
	case state.VerdictPartial:
		return 0.5
	default:
		return 0.0
	}
}

// Decide computes the aggregate confidence score and elects to finalize or
// refuse. The function is pure and deterministic.
//
// Confidence is the verdict-weighted mean of per-claim confidences. With
// verification disabled there are no verdicts to aggregate; the gate then
// trusts a draft that has evidence behind it and scores it 1.0.
func Decide(cfg GateConfig, in GateInput) Decision {
	cfg.ApplyDefaults()

	var confidence float64
	switch {
	case !in.VerificationEnabled:
		if in.HasEvidence {
			confidence = 1.0
		}
	default:
		confidence = aggregateConfidence(in.Verifications)
	}

	if in.RedTeamOutcome == OutcomeHighRisk && in.Counters.Rewrites >= cfg.MaxRewrites {
		return Decision{Confidence: confidence, Refuse: true, Reason: ReasonHighRisk}
	}
	if confidence < cfg.ConfidenceThreshold {
		return Decision{Confidence: confidence, Refuse: true, Reason: ReasonLowConfidence}
	}
	return Decision{Confidence: confidence}
}
