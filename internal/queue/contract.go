package queue

import (
	"context"
	"time"
)

// Request is what the Processor sends to the answering service for one item.
// AskedAt is the item's enqueue time; transcript entries recorded for later
// questions carry a later time.
type Request struct {
	DocumentID string         `json:"document_id"`
	Query      string         `json:"query"`
	AskedAt    time.Time      `json:"asked_at"`
	Context    RequestContext `json:"context"`
}

// RequestContext carries what the user was looking at. PageCount is left
// zero by the Processor; answering services that know the document fill it.
type RequestContext struct {
	CurrentPage  int           `json:"current_page,omitempty"`
	SelectedText *SelectedText `json:"selected_text,omitempty"`
	PageCount    int           `json:"page_count,omitempty"`
}

// Citation points at the page an answer draws on.
type Citation struct {
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// Response is the answering service's reply.
type Response struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations,omitempty"`
}

// Message is a delivered transcript entry.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
}

// RoleAssistant and RoleUser are the transcript roles.
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
)

// Answerer answers one question about one document. Answer should return
// once ctx is done; the Processor stops waiting at the request timeout either
// way, and a late result is discarded.
type Answerer interface {
	Answer(ctx context.Context, req Request) (Response, error)
}

// Sink receives answers and user-facing failure notices.
type Sink interface {
	Deliver(ctx context.Context, documentID string, msg Message) error
	Notify(ctx context.Context, documentID string, text string)
}
