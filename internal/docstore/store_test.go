package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/vectorstore"
)

type fakeVectorStore struct {
	added   []vectorstore.Document
	deleted []string
	addErr  error
	delErr  error
}

func (f *fakeVectorStore) AddDocuments(ctx context.Context, docs []vectorstore.Document) ([]string, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.added = append(f.added, docs...)
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (f *fakeVectorStore) Search(ctx context.Context, query string, k int, filters map[string]interface{}) ([]vectorstore.SearchResult, error) {
	return nil, nil
}

func (f *fakeVectorStore) DeleteDocuments(ctx context.Context, ids []string) error {
	if f.delErr != nil {
		return f.delErr
	}
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeVectorStore) Count(ctx context.Context) (int, error) { return len(f.added), nil }
func (f *fakeVectorStore) Close() error                           { return nil }

func newTestStore(t *testing.T, vec vectorstore.Store, cfg Config) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "documents.db"), vec, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAddDocument(t *testing.T) {
	vec := &fakeVectorStore{}
	store := newTestStore(t, vec, Config{ChunkSize: 20, ChunkOverlap: 5})

	text := strings.Repeat("abcde", 10) // 50 bytes
	doc, err := store.AddDocument(context.Background(), text, "notes.txt", map[string]string{"author": "mira"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(doc.DocumentID, "doc-"))
	assert.Equal(t, "notes.txt", doc.Filename)
	assert.Equal(t, 50, doc.SizeBytes)
	assert.Equal(t, "indexed", doc.Status)
	assert.Equal(t, map[string]string{"author": "mira"}, doc.Metadata)
	assert.Equal(t, doc.ChunkCount, len(vec.added))
	assert.Greater(t, doc.ChunkCount, 1)

	// Chunk metadata carries the evidence fields retrieval depends on.
	first := vec.added[0]
	assert.Equal(t, doc.DocumentID+"-chunk-0", first.ID)
	assert.Equal(t, doc.DocumentID, first.Metadata["source_id"])
	assert.Equal(t, "notes.txt", first.Metadata["title"])
	assert.Equal(t, "local://"+doc.DocumentID, first.Metadata["url"])
	assert.Equal(t, "document", first.Metadata["source_type"])
	assert.Equal(t, 0, first.Metadata["chunk_start"])
	assert.Equal(t, 20, first.Metadata["chunk_end"])
}

func TestAddDocument_MetadataOverridesDefaults(t *testing.T) {
	vec := &fakeVectorStore{}
	store := newTestStore(t, vec, Config{})

	doc, err := store.AddDocument(context.Background(), "short text", "page.html", map[string]string{
		"title":        "Original Title",
		"url":          "https://example.com/page",
		"published_at": "2024-02-01",
	})
	require.NoError(t, err)
	require.NotEmpty(t, vec.added)

	first := vec.added[0]
	assert.Equal(t, "Original Title", first.Metadata["title"])
	assert.Equal(t, "https://example.com/page", first.Metadata["url"])
	assert.Equal(t, "2024-02-01", first.Metadata["published_at"])
	assert.Equal(t, 1, doc.ChunkCount)
}

func TestAddDocument_EmptyText(t *testing.T) {
	store := newTestStore(t, &fakeVectorStore{}, Config{})

	_, err := store.AddDocument(context.Background(), "", "empty.txt", nil)
	require.Error(t, err)
}

func TestAddDocument_IndexFailure(t *testing.T) {
	vec := &fakeVectorStore{addErr: errors.New("embedder down")}
	store := newTestStore(t, vec, Config{})

	_, err := store.AddDocument(context.Background(), "some text", "notes.txt", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedder down")

	// Nothing is persisted when indexing fails.
	docs, err := store.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestGetDocument(t *testing.T) {
	store := newTestStore(t, &fakeVectorStore{}, Config{})

	added, err := store.AddDocument(context.Background(), "document body", "notes.txt", map[string]string{"lang": "en"})
	require.NoError(t, err)

	got, err := store.GetDocument(context.Background(), added.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, added.DocumentID, got.DocumentID)
	assert.Equal(t, "notes.txt", got.Filename)
	assert.Equal(t, added.ChunkCount, got.ChunkCount)
	assert.Equal(t, map[string]string{"lang": "en"}, got.Metadata)
	assert.WithinDuration(t, added.UploadedAt, got.UploadedAt, time.Second)
}

func TestGetDocument_NotFound(t *testing.T) {
	store := newTestStore(t, &fakeVectorStore{}, Config{})

	_, err := store.GetDocument(context.Background(), "doc-missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestListDocuments(t *testing.T) {
	store := newTestStore(t, &fakeVectorStore{}, Config{})

	first, err := store.AddDocument(context.Background(), "first body", "a.txt", nil)
	require.NoError(t, err)
	second, err := store.AddDocument(context.Background(), "second body", "b.txt", nil)
	require.NoError(t, err)

	docs, err := store.ListDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)

	ids := []string{docs[0].DocumentID, docs[1].DocumentID}
	assert.Contains(t, ids, first.DocumentID)
	assert.Contains(t, ids, second.DocumentID)
}

func TestDeleteDocument(t *testing.T) {
	vec := &fakeVectorStore{}
	store := newTestStore(t, vec, Config{ChunkSize: 10, ChunkOverlap: 2})

	doc, err := store.AddDocument(context.Background(), strings.Repeat("x", 25), "big.txt", nil)
	require.NoError(t, err)
	require.Greater(t, doc.ChunkCount, 1)

	require.NoError(t, store.DeleteDocument(context.Background(), doc.DocumentID))

	assert.Len(t, vec.deleted, doc.ChunkCount)
	assert.Equal(t, doc.DocumentID+"-chunk-0", vec.deleted[0])

	_, err = store.GetDocument(context.Background(), doc.DocumentID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDeleteDocument_NotFound(t *testing.T) {
	store := newTestStore(t, &fakeVectorStore{}, Config{})

	err := store.DeleteDocument(context.Background(), "doc-missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDeleteDocument_VectorFailureKeepsRow(t *testing.T) {
	vec := &fakeVectorStore{delErr: errors.New("store offline")}
	store := newTestStore(t, vec, Config{})

	doc, err := store.AddDocument(context.Background(), "body", "a.txt", nil)
	require.NoError(t, err)

	err = store.DeleteDocument(context.Background(), doc.DocumentID)
	require.Error(t, err)

	// The metadata row survives so the delete can be retried.
	_, err = store.GetDocument(context.Background(), doc.DocumentID)
	assert.NoError(t, err)
}

func TestChunkText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []chunk
	}{
		{
			name: "empty",
			text: "",
			size: 10, overlap: 2,
			want: nil,
		},
		{
			name: "shorter than size",
			text: "hello",
			size: 10, overlap: 2,
			want: []chunk{{text: "hello", start: 0, end: 5}},
		},
		{
			name: "exact multiple",
			text: "0123456789",
			size: 10, overlap: 2,
			want: []chunk{{text: "0123456789", start: 0, end: 10}},
		},
		{
			name: "overlapping chunks",
			text: "abcdefghij",
			size: 4, overlap: 1,
			want: []chunk{
				{text: "abcd", start: 0, end: 4},
				{text: "defg", start: 3, end: 7},
				{text: "ghij", start: 6, end: 10},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chunkText(tt.text, tt.size, tt.overlap))
		})
	}
}

func TestChunkText_CoversWholeText(t *testing.T) {
	text := strings.Repeat("lorem ipsum ", 100)
	chunks := chunkText(text, 500, 50)
	require.NotEmpty(t, chunks)

	assert.Equal(t, 0, chunks[0].start)
	assert.Equal(t, len(text), chunks[len(chunks)-1].end)
	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i].start, chunks[i-1].end)
	}
}
