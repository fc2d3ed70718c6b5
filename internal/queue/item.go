package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidInput is returned when a question cannot be queued as given.
var ErrInvalidInput = errors.New("invalid input")

// ItemStatus is the item-local processing marker. It is redundant with the
// document-level Status but tracked separately.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
)

// SelectedText is the excerpt the user had selected when asking.
type SelectedText struct {
	Text       string `json:"text"`
	PageNumber int    `json:"page_number"`
}

// Item is one pending question for one document.
//
// Everything except Status and Attempts is fixed at construction; only the
// Processor changes those two.
type Item struct {
	ID           string        `json:"id"`
	DocumentID   string        `json:"document_id"`
	Query        string        `json:"query"`
	SelectedText *SelectedText `json:"selected_text,omitempty"`
	CurrentPage  int           `json:"current_page,omitempty"` // 1-based, 0 when unknown
	Timestamp    time.Time     `json:"timestamp"`
	Status       ItemStatus    `json:"status"`
	Attempts     int           `json:"attempts"`
}

// NewItem builds a pending item stamped with the current time.
// The query must be non-empty after trimming.
func NewItem(id, documentID, query string, selected *SelectedText, currentPage int) (Item, error) {
	if strings.TrimSpace(documentID) == "" {
		return Item{}, fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(query) == "" {
		return Item{}, fmt.Errorf("%w: query must not be empty", ErrInvalidInput)
	}
	if currentPage < 0 {
		return Item{}, fmt.Errorf("%w: current page must not be negative", ErrInvalidInput)
	}
	if id == "" {
		id = NewID()
	}

	var sel *SelectedText
	if selected != nil && strings.TrimSpace(selected.Text) != "" {
		cp := *selected
		sel = &cp
	}

	return Item{
		ID:           id,
		DocumentID:   documentID,
		Query:        query,
		SelectedText: sel,
		CurrentPage:  currentPage,
		Timestamp:    time.Now().UTC(),
		Status:       ItemPending,
	}, nil
}

// NewID returns a time-ordered identifier (UUIDv7: millisecond timestamp
// prefix, random suffix).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// clone returns a deep copy so callers never share the SelectedText pointer
// with the stored item.
func (it Item) clone() Item {
	if it.SelectedText != nil {
		sel := *it.SelectedText
		it.SelectedText = &sel
	}
	return it
}
