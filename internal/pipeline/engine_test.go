package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/state"
	"github.com/fyrsmithlabs/researchd/internal/trace"
)

// scriptedStage runs a callback per invocation, falling back to the last
// script entry once the script is exhausted.
type scriptedStage struct {
	agent  Agent
	fields map[state.Field]bool
	script []func(ctx context.Context, env Env) (state.Patch, Result)
	calls  int
}

func (s *scriptedStage) Agent() Agent { return s.agent }

func (s *scriptedStage) AuthorizedFields() map[state.Field]bool {
	if s.fields == nil {
		return map[state.Field]bool{}
	}
	return s.fields
}

func (s *scriptedStage) Execute(ctx context.Context, env Env) (state.Patch, Result) {
	idx := s.calls
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	s.calls++
	return s.script[idx](ctx, env)
}

func planStage() *scriptedStage {
	return &scriptedStage{
		agent:  AgentPlanner,
		fields: map[state.Field]bool{state.FieldPlan: true},
		script: []func(ctx context.Context, env Env) (state.Patch, Result){
			func(ctx context.Context, env Env) (state.Patch, Result) {
				return state.Patch{Plan: []state.PlanStep{
					{Question: "q?", SearchQuery: "q"},
				}}, ok()
			},
		},
	}
}

func retrieveStage(results ...Result) *scriptedStage {
	s := &scriptedStage{
		agent:  AgentRetriever,
		fields: map[state.Field]bool{state.FieldEvidence: true},
	}
	for i, res := range results {
		res := res
		chunkID := fmt.Sprintf("c%d", i+1)
		s.script = append(s.script, func(ctx context.Context, env Env) (state.Patch, Result) {
			if res.Outcome == OutcomeFailed {
				return state.Patch{}, res
			}
			return state.Patch{Evidence: []state.EvidenceChunk{
				{SourceID: "doc-1", ChunkID: chunkID, Text: "evidence", Score: 0.9},
			}}, res
		})
	}
	return s
}

func writeStage() *scriptedStage {
	return &scriptedStage{
		agent: AgentWriter,
		fields: map[state.Field]bool{
			state.FieldDraftAnswer: true,
			state.FieldCitations:   true,
		},
		script: []func(ctx context.Context, env Env) (state.Patch, Result){
			func(ctx context.Context, env Env) (state.Patch, Result) {
				answer := fmt.Sprintf("Draft %d. [1]", env.State.RetryCounters.Rewrites+1)
				return state.Patch{
					DraftAnswer: &answer,
					Citations: []state.Citation{{
						CitationID: "cit-1",
						SourceID:   env.State.Evidence[0].SourceID,
						ChunkID:    env.State.Evidence[0].ChunkID,
					}},
				}, ok()
			},
		},
	}
}

func criticStage() *scriptedStage {
	return &scriptedStage{
		agent: AgentCritic,
		script: []func(ctx context.Context, env Env) (state.Patch, Result){
			func(ctx context.Context, env Env) (state.Patch, Result) { return state.Patch{}, ok() },
		},
	}
}

func verifyStage(results ...Result) *scriptedStage {
	s := &scriptedStage{
		agent:  AgentVerifier,
		fields: map[state.Field]bool{state.FieldClaimVerifications: true},
	}
	for _, res := range results {
		res := res
		s.script = append(s.script, func(ctx context.Context, env Env) (state.Patch, Result) {
			verdict := state.VerdictSupported
			if res.Outcome == OutcomeUnsupportedClaims {
				verdict = state.VerdictUnsupported
			}
			return state.Patch{ClaimVerifications: []state.ClaimVerification{
				{ClaimID: "claim-000", Verdict: verdict, Confidence: 1.0},
			}}, res
		})
	}
	return s
}

func redteamStage(results ...Result) *scriptedStage {
	s := &scriptedStage{agent: AgentRedTeam}
	if len(results) == 0 {
		results = []Result{ok()}
	}
	for _, res := range results {
		res := res
		s.script = append(s.script, func(ctx context.Context, env Env) (state.Patch, Result) {
			return state.Patch{}, res
		})
	}
	return s
}

func happyStages() Stages {
	return Stages{
		Planner:   planStage(),
		Retriever: retrieveStage(ok()),
		Writer:    writeStage(),
		Critic:    criticStage(),
		Verifier:  verifyStage(ok()),
		RedTeam:   redteamStage(),
	}
}

func newTestEngine(cfg Config, stages Stages) *Engine {
	return NewEngine(cfg, stages, trace.NewRecorder(nil), nil, nil)
}

func eventTypes(t *testing.T, e *Engine, traceID string) []trace.EventType {
	t.Helper()
	events, err := e.Recorder().Events(traceID)
	require.NoError(t, err)
	types := make([]trace.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func countEvents(types []trace.EventType, want trace.EventType) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

// Happy path: every stage succeeds, the run finalizes with citations and
// a full trace in stage order.
func TestEngine_HappyPath(t *testing.T) {
	e := newTestEngine(Config{}, happyStages())

	result, err := e.Run(context.Background(), "trace-a", "what is up", DefaultOptions())
	require.NoError(t, err)
	assert.False(t, result.Refusal)
	assert.Equal(t, "Draft 1. [1]", result.Answer)
	require.Len(t, result.Citations, 1)
	assert.Equal(t, 1.0, result.ConfidenceScore)
	assert.NotEmpty(t, result.AnswerID)
	assert.Equal(t, "trace-a", result.TraceID)

	types := eventTypes(t, e, "trace-a")
	assert.Equal(t, []trace.EventType{
		trace.EventPlanCreated,
		trace.EventRetrievalCompleted,
		trace.EventDraftWritten,
		trace.EventCritiqueGenerated,
		trace.EventVerificationCompleted,
		trace.EventRedteamCompleted,
		trace.EventFinalDecision,
	}, types)
}

// Retrieval expansion: the first round reports needs_more_evidence, the
// engine loops back within budget, and the retriever runs again.
func TestEngine_RetrievalExpansionLoop(t *testing.T) {
	retriever := retrieveStage(
		Result{Outcome: OutcomeNeedsMoreEvidence},
		ok(),
	)
	stages := happyStages()
	stages.Retriever = retriever
	e := newTestEngine(Config{MaxRetrievalExpansions: 2}, stages)

	result, err := e.Run(context.Background(), "trace-b", "q", DefaultOptions())
	require.NoError(t, err)
	assert.False(t, result.Refusal)
	assert.Equal(t, 2, retriever.calls)

	types := eventTypes(t, e, "trace-b")
	assert.Equal(t, 2, countEvents(types, trace.EventRetrievalCompleted))
}

// The expansion budget bounds retriever calls at 1+R even when every round
// keeps asking for more.
func TestEngine_RetrievalExpansionBudgetExhausted(t *testing.T) {
	retriever := retrieveStage(Result{Outcome: OutcomeNeedsMoreEvidence})
	stages := happyStages()
	stages.Retriever = retriever
	e := newTestEngine(Config{MaxRetrievalExpansions: 2}, stages)

	result, err := e.Run(context.Background(), "trace-c", "q", DefaultOptions())
	require.NoError(t, err)
	assert.False(t, result.Refusal)
	assert.Equal(t, 3, retriever.calls)
}

// Rewrite loop: unsupported claims trigger exactly one rewrite within the
// budget, producing exactly two draft_written events.
func TestEngine_RewriteLoop(t *testing.T) {
	stages := happyStages()
	stages.Verifier = verifyStage(
		Result{Outcome: OutcomeUnsupportedClaims},
		ok(),
	)
	e := newTestEngine(Config{MaxRewrites: 1}, stages)

	result, err := e.Run(context.Background(), "trace-d", "q", DefaultOptions())
	require.NoError(t, err)
	assert.False(t, result.Refusal)
	assert.Equal(t, "Draft 2. [1]", result.Answer)

	types := eventTypes(t, e, "trace-d")
	assert.Equal(t, 2, countEvents(types, trace.EventDraftWritten))
	assert.Equal(t, 2, countEvents(types, trace.EventVerificationCompleted))
	assert.Equal(t, 1, countEvents(types, trace.EventRedteamCompleted))
}

// A persistent transient failure consumes the provider retry budget and
// ends in refusal, not an error.
func TestEngine_TransientFailureRetriedThenRefused(t *testing.T) {
	retriever := retrieveStage(failed(ReasonProviderUnavailable, errors.New("down")))
	stages := happyStages()
	stages.Retriever = retriever
	e := newTestEngine(Config{ProviderRetries: 2}, stages)

	result, err := e.Run(context.Background(), "trace-e", "q", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, result.Refusal)
	assert.Equal(t, ReasonProviderUnavailable, result.RefusalReason)
	assert.Empty(t, result.Answer)
	assert.Empty(t, result.Citations)
	// 1 attempt + 2 retries.
	assert.Equal(t, 3, retriever.calls)

	types := eventTypes(t, e, "trace-e")
	assert.Equal(t, 1, countEvents(types, trace.EventStageFailed))
	assert.Equal(t, trace.EventFinalDecision, types[len(types)-1])
}

// Invalid queries are not retried: a non-transient failure refuses on the
// first attempt.
func TestEngine_NonTransientFailureNotRetried(t *testing.T) {
	planner := &scriptedStage{
		agent: AgentPlanner,
		script: []func(ctx context.Context, env Env) (state.Patch, Result){
			func(ctx context.Context, env Env) (state.Patch, Result) {
				return state.Patch{}, failed(ReasonInvalidQuery, errors.New("empty"))
			},
		},
	}
	stages := happyStages()
	stages.Planner = planner
	e := newTestEngine(Config{ProviderRetries: 3}, stages)

	result, err := e.Run(context.Background(), "trace-f", "", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, result.Refusal)
	assert.Equal(t, ReasonInvalidQuery, result.RefusalReason)
	assert.Equal(t, 1, planner.calls)
}

// Cancellation: the run returns ErrCancelled, the trace ends with a
// cancelled event, and no final_decision is recorded.
func TestEngine_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := &scriptedStage{
		agent:  AgentRetriever,
		fields: map[state.Field]bool{state.FieldEvidence: true},
		script: []func(ctx context.Context, env Env) (state.Patch, Result){
			func(ctx context.Context, env Env) (state.Patch, Result) {
				cancel()
				<-ctx.Done()
				return state.Patch{}, failed(ReasonTimeout, ctx.Err())
			},
		},
	}
	stages := happyStages()
	stages.Retriever = blocking
	e := newTestEngine(Config{}, stages)

	result, err := e.Run(ctx, "trace-g", "q", DefaultOptions())
	require.ErrorIs(t, err, ErrCancelled)
	assert.Nil(t, result)

	types := eventTypes(t, e, "trace-g")
	assert.Equal(t, trace.EventCancelled, types[len(types)-1])
	assert.Equal(t, 0, countEvents(types, trace.EventFinalDecision))
}

// A stage overrunning its deadline fails with timeout and the run refuses.
func TestEngine_StageTimeout(t *testing.T) {
	slow := &scriptedStage{
		agent:  AgentRetriever,
		fields: map[state.Field]bool{state.FieldEvidence: true},
		script: []func(ctx context.Context, env Env) (state.Patch, Result){
			func(ctx context.Context, env Env) (state.Patch, Result) {
				<-ctx.Done()
				time.Sleep(5 * time.Millisecond)
				return state.Patch{}, ok()
			},
		},
	}
	stages := happyStages()
	stages.Retriever = slow
	e := newTestEngine(Config{StageTimeout: 20 * time.Millisecond}, stages)

	result, err := e.Run(context.Background(), "trace-h", "q", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, result.Refusal)
	assert.Equal(t, ReasonTimeout, result.RefusalReason)
}

// Writing outside the authorized field set is a contract violation and
// refuses the run.
func TestEngine_UnauthorizedWriteRefused(t *testing.T) {
	rogue := &scriptedStage{
		agent:  AgentRetriever,
		fields: map[state.Field]bool{state.FieldEvidence: true},
		script: []func(ctx context.Context, env Env) (state.Patch, Result){
			func(ctx context.Context, env Env) (state.Patch, Result) {
				answer := "smuggled draft"
				return state.Patch{DraftAnswer: &answer}, ok()
			},
		},
	}
	stages := happyStages()
	stages.Retriever = rogue
	e := newTestEngine(Config{}, stages)

	result, err := e.Run(context.Background(), "trace-i", "q", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, result.Refusal)
	assert.Equal(t, ReasonContractViolation, result.RefusalReason)
}

// A dangling citation must never reach FINALIZED.
func TestEngine_DanglingCitationRefused(t *testing.T) {
	writer := &scriptedStage{
		agent: AgentWriter,
		fields: map[state.Field]bool{
			state.FieldDraftAnswer: true,
			state.FieldCitations:   true,
		},
		script: []func(ctx context.Context, env Env) (state.Patch, Result){
			func(ctx context.Context, env Env) (state.Patch, Result) {
				answer := "Cites nothing real. [1]"
				return state.Patch{
					DraftAnswer: &answer,
					Citations: []state.Citation{{
						CitationID: "cit-1", SourceID: "ghost", ChunkID: "c0",
					}},
				}, ok()
			},
		},
	}
	stages := happyStages()
	stages.Writer = writer
	e := newTestEngine(Config{}, stages)

	result, err := e.Run(context.Background(), "trace-j", "q", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, result.Refusal)
	assert.Equal(t, ReasonContractViolation, result.RefusalReason)
}

// Verification disabled: critique, verification, and red-team are skipped
// and the evidence-backed draft finalizes at confidence 1.0.
func TestEngine_VerificationDisabled(t *testing.T) {
	critic := criticStage()
	stages := happyStages()
	stages.Critic = critic
	e := newTestEngine(Config{}, stages)

	opts := DefaultOptions()
	opts.Verify = false
	result, err := e.Run(context.Background(), "trace-k", "q", opts)
	require.NoError(t, err)
	assert.False(t, result.Refusal)
	assert.Equal(t, 1.0, result.ConfidenceScore)
	assert.Equal(t, 0, critic.calls)

	types := eventTypes(t, e, "trace-k")
	assert.Equal(t, 0, countEvents(types, trace.EventCritiqueGenerated))
	assert.Equal(t, 0, countEvents(types, trace.EventVerificationCompleted))
	assert.Equal(t, 0, countEvents(types, trace.EventRedteamCompleted))
}

// High risk with the rewrite budget exhausted refuses with high_risk.
func TestEngine_HighRiskRefusal(t *testing.T) {
	stages := happyStages()
	stages.Verifier = verifyStage(
		Result{Outcome: OutcomeUnsupportedClaims},
		ok(),
	)
	stages.RedTeam = redteamStage(Result{Outcome: OutcomeHighRisk, Reason: ReasonHighRisk})
	e := newTestEngine(Config{MaxRewrites: 1}, stages)

	result, err := e.Run(context.Background(), "trace-l", "q", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, result.Refusal)
	assert.Equal(t, ReasonHighRisk, result.RefusalReason)
}

// Subscribers observe the whole trace live and the channel closes at the
// terminal state.
func TestEngine_LiveSubscription(t *testing.T) {
	e := newTestEngine(Config{}, happyStages())

	traceID := NewTraceID()
	events, cancelSub := e.Recorder().Subscribe(traceID)
	defer cancelSub()

	done := make(chan *QueryResult, 1)
	go func() {
		result, _ := e.Run(context.Background(), traceID, "q", DefaultOptions())
		done <- result
	}()

	var seen []trace.EventType
	for ev := range events {
		seen = append(seen, ev.Type)
	}
	result := <-done

	require.NotNil(t, result)
	assert.Equal(t, trace.EventFinalDecision, seen[len(seen)-1])
	assert.Len(t, seen, 7)
}

// Retrieval that never yields a chunk exhausts the expansion budget, the
// writer fails with no_evidence, and the run refuses with that reason.
func TestEngine_NoEvidenceRefusal(t *testing.T) {
	starved := &scriptedStage{
		agent:  AgentRetriever,
		fields: map[state.Field]bool{state.FieldEvidence: true},
		script: []func(ctx context.Context, env Env) (state.Patch, Result){
			func(ctx context.Context, env Env) (state.Patch, Result) {
				return state.Patch{}, Result{Outcome: OutcomeNeedsMoreEvidence}
			},
		},
	}
	stages := happyStages()
	stages.Retriever = starved
	stages.Writer = NewWriter(&fakeCompletion{answer: "anything"}, WriterConfig{})
	e := newTestEngine(Config{MaxRetrievalExpansions: 2}, stages)

	result, err := e.Run(context.Background(), "trace-empty", "q", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, result.Refusal)
	assert.Equal(t, ReasonNoEvidence, result.RefusalReason)
	assert.Empty(t, result.Answer)
	assert.Equal(t, 3, starved.calls)

	types := eventTypes(t, e, "trace-empty")
	assert.Equal(t, 1, countEvents(types, trace.EventStageFailed))
	assert.Equal(t, trace.EventFinalDecision, types[len(types)-1])
}

// Once a finished trace is persisted the recorder releases its in-memory
// copy; later lookups come from the store.
func TestEngine_DropsTraceAfterPersistence(t *testing.T) {
	store, err := trace.OpenStore(filepath.Join(t.TempDir(), "traces.db"))
	require.NoError(t, err)
	defer store.Close()

	e := NewEngine(Config{}, happyStages(), trace.NewRecorder(nil), store, nil)

	result, err := e.Run(context.Background(), "trace-drop", "q", DefaultOptions())
	require.NoError(t, err)
	require.False(t, result.Refusal)

	_, err = e.Recorder().Events("trace-drop")
	assert.ErrorIs(t, err, trace.ErrTraceNotFound)

	stored, err := store.GetTrace(context.Background(), "trace-drop")
	require.NoError(t, err)
	assert.Len(t, stored.Events, 7)
	assert.Equal(t, trace.EventFinalDecision, stored.Events[len(stored.Events)-1].Type)
}
