// Package docstore manages uploaded documents: chunking, vector
// indexing, and metadata persistence.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/researchd/internal/vectorstore"
)

// ErrDocumentNotFound is returned when a document ID has no row.
var ErrDocumentNotFound = errors.New("document not found")

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	document_id   TEXT PRIMARY KEY,
	filename      TEXT NOT NULL,
	uploaded_at   TIMESTAMP NOT NULL,
	size_bytes    INTEGER NOT NULL,
	status        TEXT NOT NULL,
	chunk_count   INTEGER NOT NULL,
	metadata_json TEXT NOT NULL
);
`

// Document is the stored metadata for one uploaded document.
type Document struct {
	DocumentID string            `json:"document_id"`
	Filename   string            `json:"filename"`
	UploadedAt time.Time         `json:"uploaded_at"`
	SizeBytes  int               `json:"size_bytes"`
	Status     string            `json:"status"`
	ChunkCount int               `json:"chunk_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Config tunes document chunking.
type Config struct {
	// ChunkSize is the chunk length in bytes. Default: 500.
	ChunkSize int

	// ChunkOverlap is the overlap between consecutive chunks. Default: 50.
	ChunkOverlap int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 500
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 50
	}
}

// Store persists document metadata in SQLite and chunk content in the
// vector store.
type Store struct {
	db     *sql.DB
	vec    vectorstore.Store
	cfg    Config
	logger *zap.Logger
}

// NewStore opens the SQLite database at path, creates the schema if
// needed, and returns a ready store.
func NewStore(path string, vec vectorstore.Store, cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening document database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating document schema: %w", err)
	}

	return &Store{db: db, vec: vec, cfg: cfg, logger: logger}, nil
}

// AddDocument chunks the text, indexes the chunks in the vector store,
// and records the document metadata. The returned record carries the
// generated document ID.
func (s *Store) AddDocument(ctx context.Context, text, filename string, metadata map[string]string) (*Document, error) {
	if text == "" {
		return nil, fmt.Errorf("document text cannot be empty")
	}
	if metadata == nil {
		metadata = map[string]string{}
	}

	docID := "doc-" + uuid.NewString()[:8]
	uploadedAt := time.Now().UTC()

	url := metadata["url"]
	if url == "" {
		url = "local://" + docID
	}
	title := metadata["title"]
	if title == "" {
		title = filename
	}
	publishedAt := metadata["published_at"]
	if publishedAt == "" {
		publishedAt = uploadedAt.Format(time.RFC3339)
	}

	chunks := chunkText(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	docs := make([]vectorstore.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = vectorstore.Document{
			ID:      fmt.Sprintf("%s-chunk-%d", docID, i),
			Content: c.text,
			Metadata: map[string]interface{}{
				"source_id":    docID,
				"title":        title,
				"url":          url,
				"published_at": publishedAt,
				"source_type":  "document",
				"chunk_start":  c.start,
				"chunk_end":    c.end,
			},
		}
	}

	if _, err := s.vec.AddDocuments(ctx, docs); err != nil {
		return nil, fmt.Errorf("indexing document chunks: %w", err)
	}

	doc := &Document{
		DocumentID: docID,
		Filename:   filename,
		UploadedAt: uploadedAt,
		SizeBytes:  len(text),
		Status:     "indexed",
		ChunkCount: len(chunks),
		Metadata:   metadata,
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling document metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (document_id, filename, uploaded_at, size_bytes, status, chunk_count, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.DocumentID, doc.Filename, doc.UploadedAt, doc.SizeBytes, doc.Status, doc.ChunkCount, string(metaJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("saving document %s: %w", docID, err)
	}

	s.logger.Info("document indexed",
		zap.String("document_id", docID),
		zap.String("filename", filename),
		zap.Int("chunks", len(chunks)),
	)

	return doc, nil
}

// GetDocument returns the metadata for one document.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document_id, filename, uploaded_at, size_bytes, status, chunk_count, metadata_json
		 FROM documents WHERE document_id = ?`, documentID)
	return scanDocument(row)
}

// ListDocuments returns all documents, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, filename, uploaded_at, size_bytes, status, chunk_count, metadata_json
		 FROM documents ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes the document's chunks from the vector store
// and its metadata row.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	ids := make([]string, doc.ChunkCount)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-chunk-%d", documentID, i)
	}
	if err := s.vec.DeleteDocuments(ctx, ids); err != nil {
		return fmt.Errorf("deleting document chunks: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}
	return nil
}

// Close closes the SQLite handle. The vector store is owned by the
// caller and is not closed here.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var (
		doc      Document
		metaJSON string
	)
	err := row.Scan(&doc.DocumentID, &doc.Filename, &doc.UploadedAt, &doc.SizeBytes, &doc.Status, &doc.ChunkCount, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &doc.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling document metadata: %w", err)
	}
	return &doc, nil
}

type chunk struct {
	text  string
	start int
	end   int
}

// chunkText splits text into fixed-size chunks with overlap between
// consecutive chunks. Offsets are byte positions in the original text.
func chunkText(text string, size, overlap int) []chunk {
	if text == "" {
		return nil
	}
	var chunks []chunk
	start := 0
	length := len(text)
	for start < length {
		end := start + size
		if end > length {
			end = length
		}
		chunks = append(chunks, chunk{text: text[start:end], start: start, end: end})
		if end == length {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}
