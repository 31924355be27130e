package pipeline

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/researchd/internal/state"
)

// CriticConfig configures draft critique.
type CriticConfig struct {
	// UncoveredThreshold is the term-coverage score below which a claim is
	// flagged as untraceable to any evidence chunk.
	UncoveredThreshold float64

	// ContradictionOverlap is the minimum term overlap between two chunks
	// for a negation mismatch between them to count as a contradiction.
	ContradictionOverlap float64
}

// ApplyDefaults sets default values for unset fields.
func (c *CriticConfig) ApplyDefaults() {
	if c.UncoveredThreshold == 0 {
		c.UncoveredThreshold = 0.25
	}
	if c.ContradictionOverlap == 0 {
		c.ContradictionOverlap = 0.6
	}
}

// Critic reviews the draft against the evidence: claims not traceable to
// any chunk, and contradictions between chunks. It never mutates the
// draft; its findings feed the trace and the verifier hand-off only.
type Critic struct {
	cfg CriticConfig
}

// NewCritic creates a critic.
func NewCritic(cfg CriticConfig) *Critic {
	cfg.ApplyDefaults()
	return &Critic{cfg: cfg}
}

func (c *Critic) Agent() Agent { return AgentCritic }

// AuthorizedFields is empty: the critic writes no state.
func (c *Critic) AuthorizedFields() map[state.Field]bool {
	return map[state.Field]bool{}
}

func (c *Critic) Execute(ctx context.Context, env Env) (state.Patch, Result) {
	draft := env.State.DraftAnswer
	if draft == "" {
		return state.Patch{}, failed(ReasonNoEvidence, fmt.Errorf("no draft to critique"))
	}

	var findings []Finding
	findings = append(findings, c.uncoveredClaims(draft, env.State.Evidence)...)
	findings = append(findings, c.contradictions(env.State.Evidence)...)

	res := ok()
	res.Findings = findings
	return state.Patch{}, res
}

func (c *Critic) uncoveredClaims(draft string, evidence []state.EvidenceChunk) []Finding {
	var findings []Finding
	for _, claim := range splitSentences(draft) {
		terms := contentTerms(claim)
		best := 0.0
		for _, chunk := range evidence {
			if cov := termCoverage(terms, chunk.Text); cov > best {
				best = cov
			}
		}
		if best < c.cfg.UncoveredThreshold {
			findings = append(findings, Finding{
				Kind:   FindingUncoveredClaim,
				Claim:  claim,
				Detail: fmt.Sprintf("best evidence coverage %.2f below %.2f", best, c.cfg.UncoveredThreshold),
			})
		}
	}
	return findings
}

// contradictions flags chunk pairs that talk about the same thing but
// disagree on negation. Deliberately conservative: a lexical heuristic
// cannot prove disagreement, only surface it for the verifier and trace.
func (c *Critic) contradictions(evidence []state.EvidenceChunk) []Finding {
	var findings []Finding
	for i := 0; i < len(evidence); i++ {
		for j := i + 1; j < len(evidence); j++ {
			a, b := evidence[i], evidence[j]
			overlap := termCoverage(contentTerms(a.Text), b.Text)
			if overlap < c.cfg.ContradictionOverlap {
				continue
			}
			if containsNegation(a.Text) != containsNegation(b.Text) {
				findings = append(findings, Finding{
					Kind:     FindingContradiction,
					Detail:   fmt.Sprintf("chunks %s and %s overlap %.2f but disagree on negation", a.ChunkID, b.ChunkID, overlap),
					ChunkIDs: []string{a.ChunkID, b.ChunkID},
				})
			}
		}
	}
	return findings
}
