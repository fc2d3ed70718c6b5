package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/docqa/internal/document"
	"github.com/kalambet/docqa/internal/queue"
	"github.com/kalambet/docqa/internal/storage"
)

// Inspector validates a PDF path and reads its metadata.
type Inspector interface {
	Inspect(path string) (document.Info, error)
}

// Recorder appends the user's side of the conversation to the transcript.
type Recorder interface {
	Question(ctx context.Context, documentID, query string) error
}

// Deps holds everything the HTTP and MCP surfaces need.
type Deps struct {
	Store     *storage.Store
	Queue     *queue.Store
	Status    *queue.Tracker
	Processor *queue.Processor
	Recorder  Recorder
	Inspector Inspector
	Token     string
}

// Question is a producer request to ask about a document.
type Question struct {
	Query        string              `json:"query"`
	SelectedText *queue.SelectedText `json:"selected_text,omitempty"`
	CurrentPage  int                 `json:"current_page,omitempty"`
}

// Queued is returned once a question has been accepted.
type Queued struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Position int    `json:"position"`
}

// DocumentStatus describes a document's answering channel.
type DocumentStatus struct {
	DocumentID string       `json:"document_id"`
	Status     queue.Status `json:"status"`
	Pending    int          `json:"pending"`
	InFlight   bool         `json:"in_flight"`
}

// ask validates a question and appends it to the document's queue.
func ask(ctx context.Context, deps Deps, documentID string, q Question) (Queued, error) {
	doc, err := deps.Store.GetDocument(documentID)
	if err != nil {
		return Queued{}, err
	}
	if doc.PageCount > 0 && q.CurrentPage > doc.PageCount {
		return Queued{}, fmt.Errorf("%w: current page %d beyond last page %d", queue.ErrInvalidInput, q.CurrentPage, doc.PageCount)
	}
	if sel := q.SelectedText; sel != nil && (sel.PageNumber < 0 || (doc.PageCount > 0 && sel.PageNumber > doc.PageCount)) {
		return Queued{}, fmt.Errorf("%w: selection page %d out of range", queue.ErrInvalidInput, sel.PageNumber)
	}

	item, err := queue.NewItem("", doc.ID, q.Query, q.SelectedText, q.CurrentPage)
	if err != nil {
		return Queued{}, err
	}

	if deps.Recorder != nil {
		if err := deps.Recorder.Question(ctx, doc.ID, item.Query); err != nil {
			slog.Warn("recording question", "document_id", doc.ID, "error", err)
		}
	}
	deps.Queue.Enqueue(doc.ID, item)

	return Queued{ID: item.ID, Status: "queued", Position: deps.Queue.Len(doc.ID)}, nil
}

func documentStatus(deps Deps, documentID string) DocumentStatus {
	st := DocumentStatus{
		DocumentID: documentID,
		Status:     deps.Status.Status(documentID),
		Pending:    deps.Queue.Len(documentID),
	}
	if deps.Processor != nil {
		st.InFlight = deps.Processor.Busy(documentID)
	}
	return st
}

func isInvalid(err error) bool {
	return errors.Is(err, queue.ErrInvalidInput)
}
