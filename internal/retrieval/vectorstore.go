// Package retrieval embeds document pages and finds the pages most similar
// to a question.
package retrieval

import "time"

// VectorStore keeps page embeddings per document and searches them by
// cosine similarity.
type VectorStore interface {
	// Replace swaps the stored pages of a document for pages.
	Replace(documentID string, pages []PageVector) error

	// Search returns the topK pages of the document most similar to vector.
	Search(documentID string, vector []float32, topK int) ([]ScoredPage, error)

	// Count returns how many pages of the document are stored.
	Count(documentID string) (int, error)

	// Delete removes every page of the document.
	Delete(documentID string) error
}

// PageVector is the embedding of one page's text.
type PageVector struct {
	DocumentID string
	Page       int
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredPage is a PageVector with its similarity to the query.
type ScoredPage struct {
	PageVector
	Score float32
}
