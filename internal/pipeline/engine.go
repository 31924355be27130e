package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/researchd/internal/state"
	"github.com/fyrsmithlabs/researchd/internal/trace"
)

// ErrCancelled is returned when a run is stopped by caller cancellation.
// Partially computed state is discarded, never returned as final.
var ErrCancelled = errors.New("query cancelled")

// Phase is one state of the orchestration state machine.
type Phase string

const (
	PhasePlanning   Phase = "PLANNING"
	PhaseRetrieving Phase = "RETRIEVING"
	PhaseWriting    Phase = "WRITING"
	PhaseCritiquing Phase = "CRITIQUING"
	PhaseVerifying  Phase = "VERIFYING"
	PhaseRedTeaming Phase = "RED_TEAMING"
	PhaseDeciding   Phase = "DECIDING"
	PhaseFinalized  Phase = "FINALIZED"
	PhaseRefused    Phase = "REFUSED"
)

// Config bounds and times the engine's work. For retrieval budget R and
// rewrite budget W, a run executes at most 1+R retriever calls and 1+W
// writer/critic/verifier cycles.
type Config struct {
	// MaxRetrievalExpansions is the retrieval loop-back budget (R).
	MaxRetrievalExpansions int

	// MaxRewrites is the rewrite loop-back budget (W).
	MaxRewrites int

	// StageTimeout is the per-stage deadline. A stage exceeding it fails
	// with timeout and routes the run to REFUSED.
	StageTimeout time.Duration

	// ProviderRetries is how many times the engine re-runs a stage that
	// failed with a transient collaborator error before giving up.
	ProviderRetries int

	// ConfidenceThreshold is forwarded to the decision gate.
	ConfidenceThreshold float64

	// CompletionRPS rate-limits completion-heavy stages across concurrent
	// queries. Zero disables limiting.
	CompletionRPS float64
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxRetrievalExpansions == 0 {
		c.MaxRetrievalExpansions = 2
	}
	if c.MaxRewrites == 0 {
		c.MaxRewrites = 1
	}
	if c.StageTimeout == 0 {
		c.StageTimeout = 60 * time.Second
	}
}

// Options are per-query knobs from the caller.
type Options struct {
	// MaxEvidenceSources caps evidence offered to the writer. Zero keeps
	// the writer's configured default.
	MaxEvidenceSources int

	// Verify toggles the critique/verification/red-team stages.
	Verify bool

	// Provider selects the web-search provider for this query.
	Provider string
}

// DefaultOptions returns options with verification enabled.
func DefaultOptions() Options {
	return Options{Verify: true}
}

// QueryResult is the terminal payload of one run. On refusal the answer
// and citations are withheld; the reason and trace id are always present.
type QueryResult struct {
	AnswerID           string                    `json:"answer_id"`
	Query              string                    `json:"query"`
	Answer             string                    `json:"answer"`
	Citations          []state.Citation          `json:"citations"`
	ClaimVerifications []state.ClaimVerification `json:"claim_verifications"`
	ConfidenceScore    float64                   `json:"confidence_score"`
	Refusal            bool                      `json:"refusal"`
	RefusalReason      Reason                    `json:"refusal_reason,omitempty"`
	TraceID            string                    `json:"trace_id"`
}

// Stages bundles the six agent stages the engine drives.
type Stages struct {
	Planner   Stage
	Retriever Stage
	Writer    Stage
	Critic    Stage
	Verifier  Stage
	RedTeam   Stage
}

// Engine drives one pipeline instance per query: sequential stage
// execution, guarded loop-back transitions, the decision gate, and trace
// recording. Independent queries run fully concurrently; the trace
// recorder's per-trace append path is the only shared synchronization
// point.
type Engine struct {
	cfg      Config
	gateCfg  GateConfig
	stages   Stages
	recorder *trace.Recorder
	store    *trace.Store
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *Metrics
}

// NewEngine creates an engine. store may be nil to disable persistence.
func NewEngine(cfg Config, stages Stages, recorder *trace.Recorder, store *trace.Store, logger *zap.Logger) *Engine {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.CompletionRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.CompletionRPS), 1)
	}
	return &Engine{
		cfg:    cfg,
		gateCfg: GateConfig{
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			MaxRewrites:         cfg.MaxRewrites,
		},
		stages:   stages,
		recorder: recorder,
		store:    store,
		limiter:  limiter,
		logger:   logger,
		metrics:  newMetrics(logger),
	}
}

// Recorder exposes the trace recorder for streaming consumers. Subscribe
// before Run to observe the whole trace live.
func (e *Engine) Recorder() *trace.Recorder { return e.recorder }

// Store exposes the persistence collaborator for trace lookups.
func (e *Engine) Store() *trace.Store { return e.store }

// NewTraceID allocates a trace id in the engine's format.
func NewTraceID() string {
	return "trace-" + uuid.NewString()[:8]
}

// Run executes the pipeline for one query and blocks until a terminal
// state. The trace id may be empty, in which case one is allocated.
func (e *Engine) Run(ctx context.Context, traceID, query string, opts Options) (*QueryResult, error) {
	if traceID == "" {
		traceID = NewTraceID()
	}
	rec := state.NewRecord(traceID, query)
	logger := e.logger.With(zap.String("trace_id", traceID))
	start := time.Now()

	result, err := e.run(ctx, rec, opts, logger)
	e.recorder.Close(traceID)

	outcome := "finalized"
	switch {
	case err != nil:
		outcome = "cancelled"
	case result.Refusal:
		outcome = "refused"
	}
	e.metrics.recordQuery(ctx, outcome, time.Since(start))

	// Persist the terminal trace; the record only when the run finished.
	if e.store != nil {
		if events, evErr := e.recorder.Events(traceID); evErr == nil {
			if saveErr := e.store.SaveTrace(context.WithoutCancel(ctx), traceID, query, events); saveErr != nil {
				logger.Error("trace persistence failed", zap.Error(saveErr))
			} else {
				// The store owns the trace now; keeping it in the recorder
				// would grow memory for the process lifetime.
				e.recorder.Drop(traceID)
			}
		}
		if err == nil {
			if saveErr := e.store.SaveRecord(context.WithoutCancel(ctx), rec); saveErr != nil {
				logger.Error("record persistence failed", zap.Error(saveErr))
			}
		}
	}
	return result, err
}

func (e *Engine) run(ctx context.Context, rec *state.Record, opts Options, logger *zap.Logger) (*QueryResult, error) {
	var (
		phase          = PhasePlanning
		findings       []Finding
		redTeamOutcome = OutcomeOK
	)

	for {
		if ctx.Err() != nil {
			return e.cancelled(rec, logger)
		}

		switch phase {
		case PhasePlanning:
			res := e.runStage(ctx, e.stages.Planner, rec, findings, opts)
			if res.Outcome == OutcomeFailed {
				return e.refuse(ctx, rec, AgentPlanner, res, logger)
			}
			e.append(rec.TraceID, AgentPlanner, trace.EventPlanCreated, map[string]any{
				"sub_questions":  len(rec.Plan),
				"search_queries": searchQueries(rec.Plan),
			})
			phase = PhaseRetrieving

		case PhaseRetrieving:
			res := e.runStage(ctx, e.stages.Retriever, rec, findings, opts)
			if res.Outcome == OutcomeFailed {
				return e.refuse(ctx, rec, AgentRetriever, res, logger)
			}
			e.append(rec.TraceID, AgentRetriever, trace.EventRetrievalCompleted, map[string]any{
				"evidence_count": len(rec.Evidence),
				"expansions":     rec.RetryCounters.RetrievalExpansions,
			})
			if res.Outcome == OutcomeNeedsMoreEvidence && rec.RetryCounters.RetrievalExpansions < e.cfg.MaxRetrievalExpansions {
				rec.RetryCounters.RetrievalExpansions++
				e.metrics.recordLoopback(ctx, "retrieval_expansion")
				logger.Info("retrieval expansion",
					zap.Int("attempt", rec.RetryCounters.RetrievalExpansions))
				continue
			}
			phase = PhaseWriting

		case PhaseWriting:
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx); err != nil {
					return e.cancelled(rec, logger)
				}
			}
			res := e.runStage(ctx, e.stages.Writer, rec, findings, opts)
			if res.Outcome == OutcomeFailed {
				return e.refuse(ctx, rec, AgentWriter, res, logger)
			}
			e.append(rec.TraceID, AgentWriter, trace.EventDraftWritten, map[string]any{
				"answer_length": len(rec.DraftAnswer),
				"citations":     len(rec.Citations),
				"rewrite":       rec.RetryCounters.Rewrites,
			})
			if opts.Verify {
				phase = PhaseCritiquing
			} else {
				phase = PhaseDeciding
			}

		case PhaseCritiquing:
			res := e.runStage(ctx, e.stages.Critic, rec, findings, opts)
			if res.Outcome == OutcomeFailed {
				return e.refuse(ctx, rec, AgentCritic, res, logger)
			}
			findings = res.Findings
			e.append(rec.TraceID, AgentCritic, trace.EventCritiqueGenerated, map[string]any{
				"findings":       len(findings),
				"uncovered":      countFindings(findings, FindingUncoveredClaim),
				"contradictions": countFindings(findings, FindingContradiction),
			})
			phase = PhaseVerifying

		case PhaseVerifying:
			res := e.runStage(ctx, e.stages.Verifier, rec, findings, opts)
			if res.Outcome == OutcomeFailed {
				return e.refuse(ctx, rec, AgentVerifier, res, logger)
			}
			e.append(rec.TraceID, AgentVerifier, trace.EventVerificationCompleted, map[string]any{
				"claims":      len(rec.ClaimVerifications),
				"unsupported": countUnsupported(rec.ClaimVerifications),
			})
			if res.Outcome == OutcomeUnsupportedClaims && rec.RetryCounters.Rewrites < e.cfg.MaxRewrites {
				rec.RetryCounters.Rewrites++
				e.metrics.recordLoopback(ctx, "rewrite")
				logger.Info("rewrite loop-back",
					zap.Int("attempt", rec.RetryCounters.Rewrites))
				phase = PhaseWriting
				continue
			}
			phase = PhaseRedTeaming

		case PhaseRedTeaming:
			res := e.runStage(ctx, e.stages.RedTeam, rec, findings, opts)
			if res.Outcome == OutcomeFailed {
				return e.refuse(ctx, rec, AgentRedTeam, res, logger)
			}
			redTeamOutcome = res.Outcome
			e.append(rec.TraceID, AgentRedTeam, trace.EventRedteamCompleted, map[string]any{
				"high_risk": redTeamOutcome == OutcomeHighRisk,
			})
			phase = PhaseDeciding

		case PhaseDeciding:
			// The citation invariant is checked before the gate may
			// finalize; a dangling citation must never reach FINALIZED.
			if err := rec.ValidateCitations(); err != nil {
				res := failed(ReasonContractViolation, err)
				return e.refuse(ctx, rec, AgentEngine, res, logger)
			}
			decision := Decide(e.gateCfg, GateInput{
				Verifications:       rec.ClaimVerifications,
				Counters:            rec.RetryCounters,
				RedTeamOutcome:      redTeamOutcome,
				VerificationEnabled: opts.Verify,
				HasEvidence:         rec.HasEvidence(),
			})
			rec.ConfidenceScore = decision.Confidence
			if decision.Refuse {
				rec.Refusal = true
				e.append(rec.TraceID, AgentEngine, trace.EventFinalDecision, map[string]any{
					"decision":   "refused",
					"reason":     string(decision.Reason),
					"confidence": decision.Confidence,
				})
				logger.Info("query refused",
					zap.String("reason", string(decision.Reason)),
					zap.Float64("confidence", decision.Confidence))
				return e.result(rec, decision.Reason), nil
			}
			e.append(rec.TraceID, AgentEngine, trace.EventFinalDecision, map[string]any{
				"decision":   "finalized",
				"confidence": decision.Confidence,
			})
			logger.Info("query finalized",
				zap.Float64("confidence", decision.Confidence),
				zap.Int("citations", len(rec.Citations)))
			return e.result(rec, ""), nil

		default:
			return nil, fmt.Errorf("invalid phase %q", phase)
		}
	}
}

type stageReturn struct {
	patch state.Patch
	res   Result
}

// runStage executes one stage under the per-stage deadline, applies its
// patch, and applies the engine's transient retry budget. All retries are
// engine-driven and counted; stages never retry themselves.
func (e *Engine) runStage(ctx context.Context, stage Stage, rec *state.Record, findings []Finding, opts Options) Result {
	agent := stage.Agent()
	for attempt := 0; ; attempt++ {
		start := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)

		env := Env{
			State:    rec,
			Findings: findings,
			Options:  opts,
			Emit: func(typ trace.EventType, payload map[string]any) {
				e.append(rec.TraceID, agent, typ, payload)
			},
		}
		done := make(chan stageReturn, 1)
		go func() {
			patch, res := stage.Execute(stageCtx, env)
			done <- stageReturn{patch: patch, res: res}
		}()

		var ret stageReturn
		select {
		case ret = <-done:
		case <-stageCtx.Done():
			cancel()
			if ctx.Err() != nil {
				// Caller cancellation, not a stage overrun.
				return failed(ReasonCancelled, ctx.Err())
			}
			e.metrics.recordStage(ctx, agent, "timeout", time.Since(start))
			return failed(ReasonTimeout, stageCtx.Err())
		}
		cancel()

		res := ret.res
		if res.Outcome == OutcomeFailed {
			if res.Reason == ReasonTimeout && ctx.Err() != nil {
				return failed(ReasonCancelled, ctx.Err())
			}
			if transientReason(res.Reason) && attempt < e.cfg.ProviderRetries {
				e.logger.Warn("stage failed, retrying",
					zap.String("agent", string(agent)),
					zap.String("reason", string(res.Reason)),
					zap.Int("attempt", attempt+1),
					zap.Error(res.Err),
				)
				continue
			}
			e.metrics.recordStage(ctx, agent, "failed", time.Since(start))
			return res
		}

		if err := rec.Apply(ret.patch, stage.AuthorizedFields()); err != nil {
			e.metrics.recordStage(ctx, agent, "contract_violation", time.Since(start))
			return failed(ReasonContractViolation, err)
		}
		e.metrics.recordStage(ctx, agent, string(res.Outcome), time.Since(start))
		return res
	}
}

// refuse records the failure and the terminal decision, marks the record
// refused, and returns the refusal payload. Stage failures are not retried
// here: local recovery is limited to the two designed loop-backs.
func (e *Engine) refuse(ctx context.Context, rec *state.Record, agent Agent, res Result, logger *zap.Logger) (*QueryResult, error) {
	if res.Reason == ReasonCancelled {
		return e.cancelled(rec, logger)
	}
	payload := map[string]any{"reason": string(res.Reason)}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
	}
	e.append(rec.TraceID, agent, trace.EventStageFailed, payload)
	e.append(rec.TraceID, AgentEngine, trace.EventFinalDecision, map[string]any{
		"decision": "refused",
		"reason":   string(res.Reason),
	})
	rec.Refusal = true
	logger.Warn("stage failed, refusing",
		zap.String("agent", string(agent)),
		zap.String("reason", string(res.Reason)),
		zap.Error(res.Err),
	)
	return e.result(rec, res.Reason), nil
}

// cancelled records the terminal cancelled event and discards partial
// state. No final payload is produced.
func (e *Engine) cancelled(rec *state.Record, logger *zap.Logger) (*QueryResult, error) {
	e.append(rec.TraceID, AgentEngine, trace.EventCancelled, nil)
	logger.Info("query cancelled")
	return nil, fmt.Errorf("%w: %s", ErrCancelled, rec.TraceID)
}

func (e *Engine) result(rec *state.Record, reason Reason) *QueryResult {
	result := &QueryResult{
		AnswerID:        "ans-" + uuid.NewString()[:8],
		Query:           rec.Query,
		ConfidenceScore: rec.ConfidenceScore,
		Refusal:         rec.Refusal,
		RefusalReason:   reason,
		TraceID:         rec.TraceID,
	}
	if !rec.Refusal {
		result.Answer = rec.DraftAnswer
		result.Citations = rec.Citations
		result.ClaimVerifications = rec.ClaimVerifications
	}
	return result
}

func (e *Engine) append(traceID string, agent Agent, typ trace.EventType, payload map[string]any) {
	e.recorder.Append(traceID, string(agent), typ, payload)
}

func searchQueries(plan []state.PlanStep) []string {
	queries := make([]string, len(plan))
	for i, step := range plan {
		queries[i] = step.SearchQuery
	}
	return queries
}

func countFindings(findings []Finding, kind FindingKind) int {
	n := 0
	for _, f := range findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

func countUnsupported(verifications []state.ClaimVerification) int {
	n := 0
	for _, cv := range verifications {
		if cv.Verdict == state.VerdictUnsupported {
			n++
		}
	}
	return n
}
