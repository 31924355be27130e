package pipeline

import (
	"context"
	"fmt"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/state"
)

// fakeCompletion returns a canned answer and captures the input it got.
type fakeCompletion struct {
	answer string
	err    error
	inputs []string
}

func (f *fakeCompletion) Complete(ctx context.Context, prompt, input string) (string, error) {
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func evidenceOf(n int) []state.EvidenceChunk {
	chunks := make([]state.EvidenceChunk, n)
	for i := range chunks {
		chunks[i] = state.EvidenceChunk{
			SourceID: fmt.Sprintf("doc-%d", i+1),
			ChunkID:  "c1",
			Text:     fmt.Sprintf("evidence passage %d", i+1),
			Score:    1.0 - float64(i)*0.1,
			Metadata: map[string]string{
				"title": fmt.Sprintf("Title %d", i+1),
				"url":   fmt.Sprintf("https://example.com/%d", i+1),
			},
		}
	}
	return chunks
}

func TestWriter_MapsMarkersToCitations(t *testing.T) {
	w := NewWriter(&fakeCompletion{answer: "First point. [1] Second point. [3]"}, WriterConfig{})
	rec := state.NewRecord("trace-1", "q")
	rec.Evidence = evidenceOf(3)

	patch, res := w.Execute(context.Background(), stageEnv(rec))
	require.Equal(t, OutcomeOK, res.Outcome)
	require.NotNil(t, patch.DraftAnswer)
	require.Len(t, patch.Citations, 2)
	assert.Equal(t, "doc-1", patch.Citations[0].SourceID)
	assert.Equal(t, "doc-3", patch.Citations[1].SourceID)
	assert.Equal(t, "Title 1", patch.Citations[0].Title)
	assert.Equal(t, "https://example.com/1", patch.Citations[0].URL)
}

func TestWriter_IgnoresOutOfRangeMarkers(t *testing.T) {
	w := NewWriter(&fakeCompletion{answer: "Point. [1] Bogus. [7] Zero. [0]"}, WriterConfig{})
	rec := state.NewRecord("trace-1", "q")
	rec.Evidence = evidenceOf(2)

	patch, _ := w.Execute(context.Background(), stageEnv(rec))
	require.Len(t, patch.Citations, 1)
	assert.Equal(t, "doc-1", patch.Citations[0].SourceID)
}

func TestWriter_FallbackCitationsWhenNoMarkers(t *testing.T) {
	w := NewWriter(&fakeCompletion{answer: "An answer with no markers."}, WriterConfig{FallbackCitations: 2})
	rec := state.NewRecord("trace-1", "q")
	rec.Evidence = evidenceOf(5)

	patch, _ := w.Execute(context.Background(), stageEnv(rec))
	require.Len(t, patch.Citations, 2)
	// Top-scored chunks are cited for the whole answer.
	assert.Equal(t, "doc-1", patch.Citations[0].SourceID)
	assert.Equal(t, "doc-2", patch.Citations[1].SourceID)
	assert.Equal(t, 0, patch.Citations[0].SpanStart)
	assert.Equal(t, len("An answer with no markers."), patch.Citations[0].SpanEnd)
}

func TestWriter_SnippetTruncatesOnRuneBoundary(t *testing.T) {
	w := NewWriter(&fakeCompletion{answer: "Point. [1]"}, WriterConfig{SnippetLength: 10})
	rec := state.NewRecord("trace-1", "q")
	rec.Evidence = []state.EvidenceChunk{{
		SourceID: "doc-1",
		ChunkID:  "c1",
		Text:     "héllo wörld, ün texte accentué qui dépasse la limite",
		Score:    0.9,
	}}

	patch, _ := w.Execute(context.Background(), stageEnv(rec))
	require.Len(t, patch.Citations, 1)
	snippet := patch.Citations[0].Snippet
	assert.True(t, utf8.ValidString(snippet))
	assert.Equal(t, "héllo wörl", snippet)
	assert.Equal(t, 10, utf8.RuneCountInString(snippet))
}

func TestWriter_NoEvidenceFails(t *testing.T) {
	w := NewWriter(&fakeCompletion{answer: "anything"}, WriterConfig{})
	rec := state.NewRecord("trace-1", "q")

	_, res := w.Execute(context.Background(), stageEnv(rec))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonNoEvidence, res.Reason)
}

func TestWriter_CompletionFailureClassified(t *testing.T) {
	w := NewWriter(&fakeCompletion{err: fmt.Errorf("%w: 503", ErrProviderUnavailable)}, WriterConfig{})
	rec := state.NewRecord("trace-1", "q")
	rec.Evidence = evidenceOf(1)

	_, res := w.Execute(context.Background(), stageEnv(rec))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonProviderUnavailable, res.Reason)
}

func TestWriter_EmptyAnswerFails(t *testing.T) {
	w := NewWriter(&fakeCompletion{answer: "   "}, WriterConfig{})
	rec := state.NewRecord("trace-1", "q")
	rec.Evidence = evidenceOf(1)

	_, res := w.Execute(context.Background(), stageEnv(rec))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonProviderError, res.Reason)
}

func TestWriter_MaxEvidenceSourcesOptionCapsInput(t *testing.T) {
	fake := &fakeCompletion{answer: "Answer. [1]"}
	w := NewWriter(fake, WriterConfig{MaxEvidence: 8})
	rec := state.NewRecord("trace-1", "q")
	rec.Evidence = evidenceOf(6)

	env := stageEnv(rec)
	env.Options.MaxEvidenceSources = 2

	_, res := w.Execute(context.Background(), env)
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Len(t, fake.inputs, 1)
	assert.Contains(t, fake.inputs[0], "[2] evidence passage 2")
	assert.NotContains(t, fake.inputs[0], "[3] evidence passage 3")
}

func TestWriter_RewriteRoundCarriesObjections(t *testing.T) {
	fake := &fakeCompletion{answer: "Rewritten. [1]"}
	w := NewWriter(fake, WriterConfig{})
	rec := state.NewRecord("trace-1", "q")
	rec.Evidence = evidenceOf(1)
	rec.ClaimVerifications = []state.ClaimVerification{
		{ClaimID: "claim-000", ClaimText: "unbacked statement", Verdict: state.VerdictUnsupported},
		{ClaimID: "claim-001", ClaimText: "fine statement", Verdict: state.VerdictSupported},
	}

	_, res := w.Execute(context.Background(), stageEnv(rec))
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Len(t, fake.inputs, 1)
	assert.Contains(t, fake.inputs[0], "unbacked statement")
	assert.NotContains(t, fake.inputs[0], "- fine statement")
}
