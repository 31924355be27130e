package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/researchd/internal/state"
)

// WriterConfig configures answer drafting.
type WriterConfig struct {
	// MaxEvidence limits how many evidence chunks are offered to the model.
	MaxEvidence int

	// FallbackCitations is how many top chunks to cite when the model
	// output carries no [n] markers.
	FallbackCitations int

	// SnippetLength bounds citation snippets.
	SnippetLength int
}

// ApplyDefaults sets default values for unset fields.
func (c *WriterConfig) ApplyDefaults() {
	if c.MaxEvidence == 0 {
		c.MaxEvidence = 8
	}
	if c.FallbackCitations == 0 {
		c.FallbackCitations = 3
	}
	if c.SnippetLength == 0 {
		c.SnippetLength = 200
	}
}

const writerSystemPrompt = `You are a research assistant. Answer the question using ONLY the numbered evidence passages provided. Cite every factual statement with the passage number in square brackets, e.g. [1]. If the evidence does not answer the question, say so. Do not invent sources.`

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// Writer drafts the answer from the retrieved evidence via the completion
// collaborator and maps the model's [n] markers back to citations. It must
// not fabricate citations: every citation references an evidence chunk
// actually offered to the model.
type Writer struct {
	complete CompletionClient
	cfg      WriterConfig
}

// NewWriter creates a writer over the given completion collaborator.
func NewWriter(complete CompletionClient, cfg WriterConfig) *Writer {
	cfg.ApplyDefaults()
	return &Writer{complete: complete, cfg: cfg}
}

func (w *Writer) Agent() Agent { return AgentWriter }

func (w *Writer) AuthorizedFields() map[state.Field]bool {
	return map[state.Field]bool{
		state.FieldDraftAnswer: true,
		state.FieldCitations:   true,
	}
}

func (w *Writer) Execute(ctx context.Context, env Env) (state.Patch, Result) {
	evidence := env.State.Evidence
	if len(evidence) == 0 {
		return state.Patch{}, failed(ReasonNoEvidence, fmt.Errorf("no evidence to write from"))
	}
	limit := w.cfg.MaxEvidence
	if env.Options.MaxEvidenceSources > 0 && env.Options.MaxEvidenceSources < limit {
		limit = env.Options.MaxEvidenceSources
	}
	if len(evidence) > limit {
		evidence = evidence[:limit]
	}

	input := w.buildInput(env, evidence)
	answer, err := w.complete.Complete(ctx, writerSystemPrompt, input)
	if err != nil {
		if ctx.Err() != nil {
			return state.Patch{}, failed(ReasonTimeout, ctx.Err())
		}
		return state.Patch{}, failed(classifyProviderErr(err), err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return state.Patch{}, failed(ReasonProviderError, fmt.Errorf("completion returned empty answer"))
	}

	citations := w.citationsFor(answer, evidence)
	return state.Patch{DraftAnswer: &answer, Citations: citations}, ok()
}

func (w *Writer) buildInput(env Env, evidence []state.EvidenceChunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nEvidence:\n", env.State.Query)
	for i, chunk := range evidence {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, chunk.Text)
	}

	// Rewrite rounds carry the verifier's objections so the model can
	// drop or rephrase unsupported statements.
	if len(env.State.ClaimVerifications) > 0 {
		var unsupported []string
		for _, cv := range env.State.ClaimVerifications {
			if cv.Verdict == state.VerdictUnsupported {
				unsupported = append(unsupported, cv.ClaimText)
			}
		}
		if len(unsupported) > 0 {
			b.WriteString("\nThe previous draft contained statements not supported by the evidence. Remove or rewrite them so every statement is backed by a cited passage:\n")
			for _, claim := range unsupported {
				fmt.Fprintf(&b, "- %s\n", claim)
			}
		}
	}
	return b.String()
}

// citationsFor maps [n] markers in the answer to citation records. When the
// model cited nothing explicitly, the top chunks are cited for the whole
// answer rather than returning an uncited draft.
func (w *Writer) citationsFor(answer string, evidence []state.EvidenceChunk) []state.Citation {
	var citations []state.Citation
	cited := make(map[int]bool)

	for _, match := range citationMarker.FindAllStringSubmatchIndex(answer, -1) {
		n, err := strconv.Atoi(answer[match[2]:match[3]])
		if err != nil || n < 1 || n > len(evidence) || cited[n] {
			continue
		}
		cited[n] = true
		citations = append(citations, w.citation(evidence[n-1], match[0], match[1]))
	}

	if len(citations) == 0 {
		top := w.cfg.FallbackCitations
		if top > len(evidence) {
			top = len(evidence)
		}
		for i := 0; i < top; i++ {
			citations = append(citations, w.citation(evidence[i], 0, len(answer)))
		}
	}
	return citations
}

func (w *Writer) citation(chunk state.EvidenceChunk, spanStart, spanEnd int) state.Citation {
	snippet := chunk.Text
	// Truncate on rune boundaries so multi-byte text never yields a
	// broken trailing character.
	if r := []rune(snippet); len(r) > w.cfg.SnippetLength {
		snippet = string(r[:w.cfg.SnippetLength])
	}
	return state.Citation{
		CitationID:  "cit-" + uuid.NewString()[:8],
		SourceID:    chunk.SourceID,
		ChunkID:     chunk.ChunkID,
		Title:       chunk.Metadata["title"],
		URL:         chunk.Metadata["url"],
		PublishedAt: chunk.Metadata["published_at"],
		Snippet:     snippet,
		SpanStart:   spanStart,
		SpanEnd:     spanEnd,
	}
}
