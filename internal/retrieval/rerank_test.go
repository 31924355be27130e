package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/state"
)

func chunk(id, text string, score float64) state.EvidenceChunk {
	return state.EvidenceChunk{SourceID: "src", ChunkID: id, Text: text, Score: score}
}

func TestRerank_LexicalOverlapBoostsRelevantChunks(t *testing.T) {
	chunks := []state.EvidenceChunk{
		chunk("c1", "An unrelated paragraph about gardening tools.", 0.80),
		chunk("c2", "Raft leader election uses randomized timeouts per term.", 0.70),
	}

	ranked := rerank("raft leader election timeouts", chunks)
	require.Len(t, ranked, 2)

	// c2 overlaps every query term: 0.5*0.70 + 0.5*1.0 = 0.85
	// c1 overlaps none:             0.5*0.80 + 0.5*0.0 = 0.40
	assert.Equal(t, "c2", ranked[0].ChunkID)
	assert.Equal(t, "c1", ranked[1].ChunkID)
}

func TestRerank_ScoreOrderWhenNoQueryTerms(t *testing.T) {
	chunks := []state.EvidenceChunk{
		chunk("low", "some text", 0.3),
		chunk("high", "other text", 0.9),
		chunk("mid", "more text", 0.6),
	}

	// All query words are stopwords or too short.
	ranked := rerank("how is it", chunks)
	require.Len(t, ranked, 3)
	assert.Equal(t, "high", ranked[0].ChunkID)
	assert.Equal(t, "mid", ranked[1].ChunkID)
	assert.Equal(t, "low", ranked[2].ChunkID)
}

func TestRerank_FewerThanTwoChunksUntouched(t *testing.T) {
	assert.Nil(t, rerank("query", nil))

	one := []state.EvidenceChunk{chunk("only", "text", 0.1)}
	ranked := rerank("query", one)
	require.Len(t, ranked, 1)
	assert.Equal(t, "only", ranked[0].ChunkID)
}

func TestRerank_StableForEqualBlend(t *testing.T) {
	chunks := []state.EvidenceChunk{
		chunk("first", "same text", 0.5),
		chunk("second", "same text", 0.5),
	}

	ranked := rerank("same text", chunks)
	assert.Equal(t, "first", ranked[0].ChunkID)
	assert.Equal(t, "second", ranked[1].ChunkID)
}

func TestQueryTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"lowercases and splits", "Raft Leader-Election!", []string{"raft", "leader", "election"}},
		{"drops short tokens", "go is a db", []string{}},
		{"drops stopwords", "what are the timeouts", []string{"timeouts"}},
		{"keeps digits and underscores", "http_2 vs grpc", []string{"http_2", "grpc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := queryTokens(tt.text)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTermOverlap(t *testing.T) {
	query := []string{"raft", "election", "timeouts"}

	assert.Equal(t, 1.0, termOverlap(query, []string{"raft", "election", "timeouts", "extra"}))
	assert.InDelta(t, 1.0/3.0, termOverlap(query, []string{"raft", "gardening"}), 1e-9)
	assert.Equal(t, 0.0, termOverlap(query, []string{"gardening"}))
	assert.Equal(t, 0.0, termOverlap(nil, []string{"raft"}))

	// Repeated query terms count once.
	assert.Equal(t, 0.5, termOverlap([]string{"raft", "raft", "quorum"}, []string{"raft"}))
}
