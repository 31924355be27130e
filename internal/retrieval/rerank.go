package retrieval

import (
	"sort"
	"strings"

	"github.com/fyrsmithlabs/researchd/internal/state"
)

// rerank orders merged evidence by a blend of the backend score and
// lexical overlap with the query. Vector and web scores come from
// different scales; the overlap term gives the merge a shared signal.
func rerank(query string, chunks []state.EvidenceChunk) []state.EvidenceChunk {
	if len(chunks) < 2 {
		return chunks
	}
	queryTerms := queryTokens(query)
	if len(queryTerms) == 0 {
		sort.SliceStable(chunks, func(i, j int) bool {
			return chunks[i].Score > chunks[j].Score
		})
		return chunks
	}

	const backendWeight = 0.5
	blended := make([]float64, len(chunks))
	for i, c := range chunks {
		overlap := termOverlap(queryTerms, queryTokens(c.Text))
		blended[i] = backendWeight*c.Score + (1-backendWeight)*overlap
	}
	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return blended[order[i]] > blended[order[j]]
	})
	ranked := make([]state.EvidenceChunk, len(chunks))
	for i, idx := range order {
		ranked[i] = chunks[idx]
	}
	return ranked
}

// queryTokens lowercases, splits on non-alphanumeric runes, and drops
// stopwords and short tokens.
func queryTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
		return !alnum
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 2 && !stopwords[f] {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// termOverlap is the fraction of unique query terms present in the text
// tokens.
func termOverlap(queryTerms, textTerms []string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	present := make(map[string]bool, len(textTerms))
	for _, t := range textTerms {
		present[t] = true
	}
	matched := make(map[string]bool, len(queryTerms))
	for _, q := range queryTerms {
		if present[q] {
			matched[q] = true
		}
	}
	unique := make(map[string]bool, len(queryTerms))
	for _, q := range queryTerms {
		unique[q] = true
	}
	return float64(len(matched)) / float64(len(unique))
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"was": true, "are": true, "been": true, "being": true, "have": true,
	"has": true, "had": true, "does": true, "did": true, "will": true,
	"would": true, "could": true, "should": true, "may": true,
	"might": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "what": true, "which": true,
	"who": true, "when": true, "where": true, "why": true, "how": true,
}
