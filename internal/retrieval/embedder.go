package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// embedConcurrency bounds parallel embedding requests to the model server.
const embedConcurrency = 4

// EmbedClient produces an embedding for text under a model.
type EmbedClient interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Embedder generates text embeddings with a fixed model.
type Embedder struct {
	client EmbedClient
	model  string
}

func NewEmbedder(c EmbedClient, model string) *Embedder {
	return &Embedder{client: c, model: model}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for texts, in order, computed concurrently.
// Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.client.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
