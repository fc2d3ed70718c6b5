// Package ingest builds the page index of registered documents in the background.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

// maxPageRunes caps the text embedded per page to stay inside the
// embedding model's context window.
const maxPageRunes = 6000

// IndexStore hands out documents waiting for their page index and records
// the outcome.
type IndexStore interface {
	ClaimIndexJob() (*storage.Document, error)
	CompleteIndex(id string) error
	FailIndex(id string, errMsg string) error
}

// PageSource extracts the text of every page of a PDF.
type PageSource interface {
	PageTexts(path string) ([]string, error)
}

// BatchEmbedder generates embeddings for several texts at once.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter stores a document's page vectors.
type VectorWriter interface {
	Replace(documentID string, pages []retrieval.PageVector) error
}

// Worker indexes the pages of newly registered documents.
type Worker struct {
	store    IndexStore
	pages    PageSource
	embedder BatchEmbedder
	vectors  VectorWriter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 2s.
func NewWorker(store IndexStore, pages PageSource, embedder BatchEmbedder, vectors VectorWriter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		store:    store,
		pages:    pages,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for documents to index until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("index worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and indexes a single document.
// Returns true if a document was claimed, whether or not indexing succeeded.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	doc, err := w.store.ClaimIndexJob()
	if err != nil {
		return false, fmt.Errorf("claiming document: %w", err)
	}
	if doc == nil {
		return false, nil
	}

	pages, err := w.indexDocument(ctx, doc)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the next start resets the document to pending.
			return true, nil
		}
		w.logger.Warn("indexing document failed", "document_id", doc.ID, "error", err)
		if failErr := w.store.FailIndex(doc.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to record indexing failure", "document_id", doc.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteIndex(doc.ID); err != nil {
		return true, fmt.Errorf("completing index of %s: %w", doc.ID, err)
	}
	w.logger.Info("indexed document", "document_id", doc.ID, "pages", pages)
	return true, nil
}

// indexDocument embeds every page with text and stores the vectors. It
// returns how many pages were indexed.
func (w *Worker) indexDocument(ctx context.Context, doc *storage.Document) (int, error) {
	texts, err := w.pages.PageTexts(doc.Path)
	if err != nil {
		return 0, fmt.Errorf("reading pages: %w", err)
	}

	var vectors []retrieval.PageVector
	var inputs []string
	for i, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		vectors = append(vectors, retrieval.PageVector{DocumentID: doc.ID, Page: i + 1, Text: text})
		inputs = append(inputs, clip(text, maxPageRunes))
	}

	embeddings, err := w.embedder.EmbedBatch(ctx, inputs)
	if err != nil {
		return 0, fmt.Errorf("embedding pages: %w", err)
	}
	now := time.Now().UTC()
	for i := range vectors {
		vectors[i].Embedding = embeddings[i]
		vectors[i].CreatedAt = now
	}

	if err := w.vectors.Replace(doc.ID, vectors); err != nil {
		return 0, fmt.Errorf("storing page vectors: %w", err)
	}
	return len(vectors), nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
