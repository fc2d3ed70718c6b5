// Package transcript persists answers and failure notices for documents.
package transcript

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/docqa/internal/queue"
	"github.com/kalambet/docqa/internal/storage"
)

// Store is the subset of storage the sink writes to.
type Store interface {
	AppendMessage(m storage.Message) (storage.Message, error)
	AddNotification(n storage.Notification) (storage.Notification, error)
}

// Sink implements queue.Sink on top of the transcript tables.
type Sink struct {
	store  Store
	logger *slog.Logger
}

var _ queue.Sink = (*Sink)(nil)

func New(store Store) *Sink {
	return &Sink{store: store, logger: slog.Default()}
}

// Deliver appends the message to the document's transcript.
func (s *Sink) Deliver(_ context.Context, documentID string, msg queue.Message) error {
	_, err := s.store.AppendMessage(storage.Message{
		DocumentID: documentID,
		Role:       msg.Role,
		Content:    msg.Content,
		Citations:  toStorageCitations(msg.Citations),
	})
	if err != nil {
		return fmt.Errorf("delivering message for document %s: %w", documentID, err)
	}
	return nil
}

// Question records the user's side of the conversation.
func (s *Sink) Question(ctx context.Context, documentID, query string) error {
	return s.Deliver(ctx, documentID, queue.Message{Role: queue.RoleUser, Content: query})
}

// Notify persists a user-facing notice. Storage failures are logged only;
// a lost notice must not affect processing.
func (s *Sink) Notify(_ context.Context, documentID string, text string) {
	s.logger.Warn("document notification", "document_id", documentID, "text", text)
	if _, err := s.store.AddNotification(storage.Notification{DocumentID: documentID, Text: text}); err != nil {
		s.logger.Error("saving notification", "document_id", documentID, "error", err)
	}
}

func toStorageCitations(in []queue.Citation) []storage.Citation {
	if len(in) == 0 {
		return nil
	}
	out := make([]storage.Citation, len(in))
	for i, c := range in {
		out[i] = storage.Citation{PageNumber: c.PageNumber, Text: c.Text}
	}
	return out
}
