package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Page index states of a document.
const (
	IndexPending = "pending"
	IndexRunning = "indexing"
	IndexReady   = "indexed"
	IndexFailed  = "failed"
)

// Document is a registered PDF that questions can be asked about.
type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Path        string    `json:"path"`
	PageCount   int       `json:"page_count"`
	IndexStatus string    `json:"index_status"`
	IndexError  string    `json:"index_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Citation references a page an answer draws on.
type Citation struct {
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// Message is one transcript entry. Citations are stored as a JSON array.
type Message struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"document_id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Citations  []Citation `json:"citations,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Notification is a user-facing notice about a document, e.g. a failed answer.
type Notification struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}
