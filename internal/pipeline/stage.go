// Package pipeline implements the query-processing orchestration engine:
// the stage contract, the six agent stages, the decision gate, and the
// state machine that drives them over a shared state record.
package pipeline

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/researchd/internal/state"
	"github.com/fyrsmithlabs/researchd/internal/trace"
)

// Agent names the pipeline stages as they appear in traces.
type Agent string

const (
	AgentPlanner   Agent = "Planner"
	AgentRetriever Agent = "Retriever"
	AgentWriter    Agent = "Writer"
	AgentCritic    Agent = "Critic"
	AgentVerifier  Agent = "Verifier"
	AgentRedTeam   Agent = "RedTeam"
	AgentEngine    Agent = "Engine"
)

// Outcome is the routing signal a stage returns to the engine.
type Outcome string

const (
	OutcomeOK                Outcome = "ok"
	OutcomeNeedsMoreEvidence Outcome = "needs_more_evidence"
	OutcomeUnsupportedClaims Outcome = "unsupported_claims_found"
	OutcomeHighRisk          Outcome = "high_risk_detected"
	OutcomeFailed            Outcome = "failed"
)

// Reason categorizes failures and refusals. Reasons are surfaced to callers
// and recorded in traces; they are part of the error taxonomy contract.
type Reason string

const (
	ReasonInvalidQuery        Reason = "invalid_query"
	ReasonNoEvidence          Reason = "no_evidence"
	ReasonProviderUnavailable Reason = "provider_unavailable"
	ReasonProviderError       Reason = "provider_error"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonTimeout             Reason = "timeout"
	ReasonContractViolation   Reason = "contract_violation"
	ReasonCancelled           Reason = "cancelled"
	ReasonLowConfidence       Reason = "low_confidence"
	ReasonHighRisk            Reason = "high_risk"
)

// Collaborator failure sentinels. Search and completion clients wrap these
// so the engine can classify transient failures for its retry budget.
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderError       = errors.New("provider error")
	ErrRateLimited         = errors.New("rate limited")
)

// classifyProviderErr maps a collaborator error to a failure reason.
func classifyProviderErr(err error) Reason {
	switch {
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrProviderUnavailable):
		return ReasonProviderUnavailable
	default:
		return ReasonProviderError
	}
}

// transientReason reports whether a failure may be retried by the engine
// within its provider retry budget.
func transientReason(r Reason) bool {
	switch r {
	case ReasonProviderUnavailable, ReasonProviderError, ReasonRateLimited:
		return true
	default:
		return false
	}
}

// FindingKind classifies critic findings.
type FindingKind string

const (
	FindingUncoveredClaim FindingKind = "uncovered_claim"
	FindingContradiction  FindingKind = "contradiction"
)

// Finding is one critic observation. Findings travel through the stage
// hand-off and the trace; they are never persisted as a state field.
type Finding struct {
	Kind     FindingKind `json:"kind"`
	Claim    string      `json:"claim,omitempty"`
	Detail   string      `json:"detail"`
	ChunkIDs []string    `json:"chunk_ids,omitempty"`
}

// Result is the non-state half of a stage execution.
type Result struct {
	Outcome  Outcome
	Reason   Reason
	Err      error
	Findings []Finding
}

func ok() Result {
	return Result{Outcome: OutcomeOK}
}

func failed(reason Reason, err error) Result {
	return Result{Outcome: OutcomeFailed, Reason: reason, Err: err}
}

// Env is what a stage may see of the world: a read-only view of the state
// record, the hand-off from the previous stage, and a trace emitter. A
// stage must not touch any other in-flight query's state.
type Env struct {
	State    *state.Record
	Findings []Finding
	Options  Options
	Emit     func(typ trace.EventType, payload map[string]any)
}

// Stage is the uniform contract every agent stage implements. Execute
// consumes the environment and returns a partial state update plus a
// routing outcome. Writing outside the authorized field set is a contract
// violation. Execute must honor ctx: the engine enforces a per-stage
// deadline and converts overruns to failed(timeout).
type Stage interface {
	Agent() Agent
	AuthorizedFields() map[state.Field]bool
	Execute(ctx context.Context, env Env) (state.Patch, Result)
}

// SearchRequest is one derived search sent to the retrieval collaborator.
type SearchRequest struct {
	Text     string
	Filters  state.SearchFilters
	Provider string
	Limit    int
}

// SearchClient is the retrieval collaborator boundary. Implementations may
// fan sub-queries out internally; from the engine's perspective a call is
// a single suspending operation.
type SearchClient interface {
	Search(ctx context.Context, req SearchRequest) ([]state.EvidenceChunk, error)
}

// CompletionClient is the LLM collaborator boundary.
type CompletionClient interface {
	Complete(ctx context.Context, prompt, input string) (string, error)
}
