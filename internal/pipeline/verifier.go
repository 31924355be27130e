package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/researchd/internal/state"
)

// VerifierConfig configures claim verification.
type VerifierConfig struct {
	// SupportedThreshold is the minimum evidence coverage for a supported
	// verdict; PartialThreshold for a partial one. Below partial the claim
	// is unsupported.
	SupportedThreshold float64
	PartialThreshold   float64

	// MaxEvidencePerClaim caps how many chunk ids a verification cites.
	MaxEvidencePerClaim int

	// MaxRewrites is the rewrite loop budget; once the counter reaches it
	// the verifier stops requesting rewrites.
	MaxRewrites int
}

// ApplyDefaults sets default values for unset fields.
func (c *VerifierConfig) ApplyDefaults() {
	if c.SupportedThreshold == 0 {
		c.SupportedThreshold = 0.5
	}
	if c.PartialThreshold == 0 {
		c.PartialThreshold = 0.25
	}
	if c.MaxEvidencePerClaim == 0 {
		c.MaxEvidencePerClaim = 3
	}
}

// Verifier assigns each claim in the draft a verdict and a confidence by
// scoring how well the evidence covers it. Scoring is lexical and fully
// deterministic: the same draft and evidence always verify identically.
type Verifier struct {
	cfg VerifierConfig
}

// NewVerifier creates a verifier.
func NewVerifier(cfg VerifierConfig) *Verifier {
	cfg.ApplyDefaults()
	return &Verifier{cfg: cfg}
}

func (v *Verifier) Agent() Agent { return AgentVerifier }

func (v *Verifier) AuthorizedFields() map[state.Field]bool {
	return map[state.Field]bool{state.FieldClaimVerifications: true}
}

func (v *Verifier) Execute(ctx context.Context, env Env) (state.Patch, Result) {
	draft := env.State.DraftAnswer
	if draft == "" {
		return state.Patch{}, failed(ReasonNoEvidence, fmt.Errorf("no draft to verify"))
	}

	uncovered := make(map[string]bool)
	for _, f := range env.Findings {
		if f.Kind == FindingUncoveredClaim {
			uncovered[f.Claim] = true
		}
	}

	var (
		verifications []state.ClaimVerification
		unsupported   bool
	)
	for i, claim := range splitSentences(draft) {
		cv := v.verifyClaim(i, claim, env.State.Evidence)
		if uncovered[claim] && cv.Notes == "" {
			cv.Notes = "flagged uncovered by critic"
		}
		if cv.Verdict == state.VerdictUnsupported {
			unsupported = true
		}
		verifications = append(verifications, cv)
	}

	res := ok()
	if unsupported && env.State.RetryCounters.Rewrites < v.cfg.MaxRewrites {
		res = Result{Outcome: OutcomeUnsupportedClaims}
	}
	return state.Patch{ClaimVerifications: verifications}, res
}

type scoredChunk struct {
	chunkID string
	score   float64
	order   int
}

func (v *Verifier) verifyClaim(idx int, claim string, evidence []state.EvidenceChunk) state.ClaimVerification {
	terms := contentTerms(claim)

	var scored []scoredChunk
	for i, chunk := range evidence {
		score := termCoverage(terms, chunk.Text)
		if score >= v.cfg.PartialThreshold {
			scored = append(scored, scoredChunk{chunkID: chunk.ChunkID, score: score, order: i})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	best := 0.0
	var chunkIDs []string
	for i, s := range scored {
		if i == 0 {
			best = s.score
		}
		if i == v.cfg.MaxEvidencePerClaim {
			break
		}
		chunkIDs = append(chunkIDs, s.chunkID)
	}

	verdict := state.VerdictUnsupported
	notes := ""
	switch {
	case best >= v.cfg.SupportedThreshold:
		verdict = state.VerdictSupported
	case best >= v.cfg.PartialThreshold:
		verdict = state.VerdictPartial
		notes = "evidence covers the claim only partially"
	default:
		notes = "no evidence chunk covers this claim"
	}

	return state.ClaimVerification{
		ClaimID:          fmt.Sprintf("claim-%03d", idx),
		ClaimText:        claim,
		Verdict:          verdict,
		EvidenceChunkIDs: chunkIDs,
		Confidence:       best,
		Notes:            notes,
	}
}
