// Package answer implements the answering service the queue processor calls.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/docqa/internal/composer"
	"github.com/kalambet/docqa/internal/queue"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

// historyMessages is how many earlier transcript entries are offered as context.
const historyMessages = 6

// Documents looks up registered documents and their transcripts.
type Documents interface {
	GetDocument(id string) (storage.Document, error)
	ListHistory(documentID string, askedAt time.Time, limit int) ([]storage.Message, error)
}

// Pages extracts the text of a PDF page.
type Pages interface {
	PageText(path string, page int) (string, error)
}

// PageSearcher finds the pages of a document most similar to a question.
type PageSearcher interface {
	RelevantPages(ctx context.Context, documentID, query string, topK int) ([]retrieval.ScoredPage, error)
}

// Service answers questions about registered documents using a chat model.
type Service struct {
	docs     Documents
	pages    Pages
	chat     Chatter
	composer *composer.Composer
	search   PageSearcher
	topK     int
	logger   *slog.Logger
}

var _ queue.Answerer = (*Service)(nil)

func NewService(docs Documents, pages Pages, chat Chatter, c *composer.Composer) *Service {
	return &Service{
		docs:     docs,
		pages:    pages,
		chat:     chat,
		composer: c,
		logger:   slog.Default(),
	}
}

// UseSearch adds up to topK pages found by similarity search to the context
// of every question.
func (s *Service) UseSearch(ps PageSearcher, topK int) {
	s.search = ps
	s.topK = topK
}

// Answer composes a prompt from the document context and asks the model.
func (s *Service) Answer(ctx context.Context, req queue.Request) (queue.Response, error) {
	doc, err := s.docs.GetDocument(req.DocumentID)
	if err != nil {
		return queue.Response{}, fmt.Errorf("loading document %s: %w", req.DocumentID, err)
	}
	req.Context.PageCount = doc.PageCount

	prompt := s.composer.Compose(composer.Input{
		Title:       doc.Title,
		PageCount:   doc.PageCount,
		CurrentPage: req.Context.CurrentPage,
		Query:       req.Query,
		Chunks:      s.contextChunks(ctx, doc, req),
	})

	raw, err := s.chat.Chat(ctx, prompt)
	if err != nil {
		return queue.Response{}, fmt.Errorf("asking model: %w", err)
	}
	resp, err := parseReply(raw, doc.PageCount)
	if err != nil {
		return queue.Response{}, err
	}

	s.logger.Debug("answered question",
		"document_id", req.DocumentID,
		"citations", len(resp.Citations),
	)
	return resp, nil
}

// contextChunks gathers the selection, the relevant pages and recent
// conversation, most relevant first.
func (s *Service) contextChunks(ctx context.Context, doc storage.Document, req queue.Request) []composer.Chunk {
	var chunks []composer.Chunk

	sel := req.Context.SelectedText
	if sel != nil && strings.TrimSpace(sel.Text) != "" {
		label := "Selected text"
		if sel.PageNumber > 0 {
			label = fmt.Sprintf("Selected text, page %d", sel.PageNumber)
		}
		chunks = append(chunks, composer.Chunk{Label: label, Text: sel.Text, Priority: 1})
	}

	seen := make(map[int]bool)
	addPage := func(page int, priority float64) {
		if page < 1 || (doc.PageCount > 0 && page > doc.PageCount) || seen[page] {
			return
		}
		seen[page] = true
		text, err := s.pages.PageText(doc.Path, page)
		if err != nil {
			s.logger.Warn("reading page text", "document_id", doc.ID, "page", page, "error", err)
			return
		}
		chunks = append(chunks, composer.Chunk{Label: fmt.Sprintf("Page %d", page), Text: text, Priority: priority})
	}

	current := req.Context.CurrentPage
	if current > 0 {
		addPage(current, 0.8)
	}
	if sel != nil {
		addPage(sel.PageNumber, 0.7)
	}
	for _, hit := range s.searchPages(ctx, doc.ID, req.Query) {
		if seen[hit.Page] {
			continue
		}
		seen[hit.Page] = true
		chunks = append(chunks, composer.Chunk{Label: fmt.Sprintf("Page %d", hit.Page), Text: hit.Text, Priority: 0.6})
	}
	if current > 0 {
		addPage(current-1, 0.4)
		addPage(current+1, 0.4)
	}
	if len(seen) == 0 {
		addPage(1, 0.5)
	}

	if h := s.history(req); h != "" {
		chunks = append(chunks, composer.Chunk{Label: "Earlier conversation", Text: h, Priority: 0.2})
	}
	return chunks
}

// searchPages runs the similarity search when one is configured. Failures
// only cost context, so they are logged.
func (s *Service) searchPages(ctx context.Context, documentID, query string) []retrieval.ScoredPage {
	if s.search == nil || s.topK <= 0 {
		return nil
	}
	hits, err := s.search.RelevantPages(ctx, documentID, query, s.topK)
	if err != nil {
		s.logger.Warn("searching pages", "document_id", documentID, "error", err)
		return nil
	}
	return hits
}

// history renders the conversation that preceded the question: answers
// delivered so far and questions asked before it. Questions queued after it
// are already in the transcript and are left out.
func (s *Service) history(req queue.Request) string {
	askedAt := req.AskedAt
	if askedAt.IsZero() {
		askedAt = time.Now()
	}
	msgs, err := s.docs.ListHistory(req.DocumentID, askedAt, historyMessages)
	if err != nil {
		s.logger.Warn("loading transcript", "document_id", req.DocumentID, "error", err)
		return ""
	}

	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}
