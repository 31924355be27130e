package vectorstore

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbedder(t *testing.T) {
	t.Run("defaults to hash", func(t *testing.T) {
		emb, err := NewEmbedder(EmbedderConfig{})
		require.NoError(t, err)
		_, ok := emb.(*HashEmbedder)
		assert.True(t, ok)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewEmbedder(EmbedderConfig{Provider: "fastembed"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	emb := NewHashEmbedder(64)

	a, err := emb.EmbedQuery(context.Background(), "raft leader election")
	require.NoError(t, err)
	b, err := emb.EmbedQuery(context.Background(), "raft leader election")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHashEmbedder_Dimensions(t *testing.T) {
	emb := NewHashEmbedder(128)

	vec, err := emb.EmbedQuery(context.Background(), "some text")
	require.NoError(t, err)
	assert.Len(t, vec, 128)

	// Non-positive dimensions fall back to the default.
	fallback := NewHashEmbedder(0)
	vec, err = fallback.EmbedQuery(context.Background(), "some text")
	require.NoError(t, err)
	assert.Len(t, vec, 384)
}

func TestHashEmbedder_L2Normalized(t *testing.T) {
	emb := NewHashEmbedder(64)

	vec, err := emb.EmbedQuery(context.Background(), "quorum election term log replication")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestHashEmbedder_EmptyTextIsZeroVector(t *testing.T) {
	emb := NewHashEmbedder(16)

	vec, err := emb.EmbedQuery(context.Background(), "")
	require.NoError(t, err)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestHashEmbedder_SharedTermsScoreHigher(t *testing.T) {
	emb := NewHashEmbedder(384)
	ctx := context.Background()

	query, err := emb.EmbedQuery(ctx, "raft leader election timeout")
	require.NoError(t, err)
	related, err := emb.EmbedQuery(ctx, "the raft election picks a leader")
	require.NoError(t, err)
	unrelated, err := emb.EmbedQuery(ctx, "gardening tools for spring")
	require.NoError(t, err)

	assert.Greater(t, cosine(query, related), cosine(query, unrelated))
}

func TestHashEmbedder_CaseAndPunctuationInsensitive(t *testing.T) {
	emb := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := emb.EmbedQuery(ctx, "Raft, Leader!")
	require.NoError(t, err)
	b, err := emb.EmbedQuery(ctx, "raft leader")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHashEmbedder_EmbedDocuments(t *testing.T) {
	emb := NewHashEmbedder(64)

	vectors, err := emb.EmbedDocuments(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.NotEqual(t, vectors[0], vectors[1])

	_, err = emb.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyDocuments)
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
