package pipeline

import (
	"strings"
	"unicode"
)

// stopwords contains common English words excluded from term matching.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "do": true, "does": true, "did": true,
	"have": true, "has": true, "had": true, "be": true, "been": true,
	"being": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "can": true, "shall": true,
	"and": true, "or": true, "but": true, "if": true,
	"then": true, "than": true, "so": true, "as": true, "at": true,
	"by": true, "for": true, "from": true, "in": true, "into": true,
	"of": true, "on": true, "to": true, "with": true, "about": true,
	"up": true, "out": true, "it": true, "its": true, "this": true,
	"that": true, "these": true, "those": true, "there": true,
	"what": true, "which": true, "who": true, "how": true,
	"when": true, "where": true, "why": true, "you": true, "me": true,
	"i": true, "my": true, "your": true, "we": true, "they": true,
	"he": true, "she": true, "her": true, "him": true, "us": true,
	"them": true, "please": true, "tell": true,
}

// contentTerms splits text into unique lowercase non-stopword terms.
func contentTerms(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var terms []string
	for _, w := range words {
		if len(w) < 2 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// termCoverage returns the fraction of claim terms present in the evidence
// terms. It is asymmetric on purpose: a short claim fully contained in a
// long chunk scores 1.0.
func termCoverage(claimTerms []string, evidenceText string) float64 {
	if len(claimTerms) == 0 {
		return 0
	}
	evidence := make(map[string]bool)
	for _, t := range contentTerms(evidenceText) {
		evidence[t] = true
	}
	matched := 0
	for _, t := range claimTerms {
		if evidence[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(claimTerms))
}

// splitSentences splits text into trimmed sentences on ./!/? boundaries.
// Citation markers like "[2]" stay attached to their sentence.
func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder
	flush := func() {
		s := strings.TrimSpace(b.String())
		b.Reset()
		if s != "" && len(contentTerms(s)) > 0 {
			sentences = append(sentences, s)
		}
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		b.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			// Keep a trailing citation marker with the sentence.
			for i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '[') {
				if runes[i+1] == ' ' {
					break
				}
				for i+1 < len(runes) && runes[i+1] != ']' {
					i++
					b.WriteRune(runes[i])
				}
				if i+1 < len(runes) {
					i++
					b.WriteRune(runes[i])
				}
			}
			flush()
		}
	}
	flush()
	return sentences
}

// containsNegation reports whether the text carries a simple negation cue.
func containsNegation(text string) bool {
	lower := " " + strings.ToLower(text) + " "
	for _, cue := range []string{" not ", " no ", " never ", " cannot ", "n't "} {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}
