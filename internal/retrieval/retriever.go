package retrieval

import (
	"context"
	"fmt"
)

// Retriever combines embedding and vector search to find the pages of a
// document that relate to a question.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// RelevantPages embeds query and returns the document's topK most similar
// pages. A document without an index yields no pages and no error.
func (r *Retriever) RelevantPages(ctx context.Context, documentID, query string, topK int) ([]ScoredPage, error) {
	if topK <= 0 {
		return nil, nil
	}
	n, err := r.store.Count(documentID)
	if err != nil {
		return nil, fmt.Errorf("counting indexed pages: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.store.Search(documentID, vec, topK)
}
