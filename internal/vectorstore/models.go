package vectorstore

// Document represents a chunk of text to be stored in the vector store.
type Document struct {
	// ID is the unique identifier for the chunk.
	ID string

	// Content is the text content of the chunk.
	Content string

	// Metadata contains additional key-value pairs for filtering.
	// Common fields: source_id, title, url, source_type, published_at.
	Metadata map[string]interface{}
}

// SearchResult represents a search result from the vector store.
type SearchResult struct {
	// ID is the chunk identifier.
	ID string

	// Content is the chunk text content.
	Content string

	// Score is the similarity score (higher = more similar).
	Score float32

	// Metadata contains the chunk metadata.
	Metadata map[string]interface{}
}
