package queue

import (
	"sort"
	"sync"
)

// emptyItems is returned by PeekAll for unknown or drained documents so that
// repeated reads of an empty queue hand back the same value.
var emptyItems = []Item{}

// Store holds the ordered pending questions of every document.
//
// Producers call Enqueue, PeekAll, Len and Documents. Removal and front
// insertion are unexported and reserved for the Processor.
type Store struct {
	mu     sync.Mutex
	queues map[string][]Item
	notify notifier
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{queues: make(map[string][]Item)}
}

// Enqueue appends item to the end of its document's queue and notifies
// subscribers. An item whose ID is already queued for the document is
// ignored.
func (s *Store) Enqueue(documentID string, item Item) {
	s.mu.Lock()
	q := s.queues[documentID]
	for _, it := range q {
		if it.ID == item.ID {
			s.mu.Unlock()
			return
		}
	}
	s.queues[documentID] = append(q, item.clone())
	s.mu.Unlock()

	s.notify.notify()
}

// PeekAll returns a snapshot of the document's queue in processing order.
func (s *Store) PeekAll(documentID string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[documentID]
	if len(q) == 0 {
		return emptyItems
	}
	out := make([]Item, len(q))
	for i, it := range q {
		out[i] = it.clone()
	}
	return out
}

// Len returns the number of pending items for the document.
func (s *Store) Len(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[documentID])
}

// Documents returns the IDs of all documents with at least one pending item,
// sorted for stable iteration.
func (s *Store) Documents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.queues))
	for id, q := range s.queues {
		if len(q) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Subscribe returns a channel that receives a signal after mutations, and a
// function that cancels the subscription.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	return s.notify.subscribe()
}

// popByID finds and removes the item in one step. The second of two racing
// callers gets false.
func (s *Store) popByID(documentID, itemID string) (Item, bool) {
	s.mu.Lock()
	q := s.queues[documentID]
	idx := -1
	for i, it := range q {
		if it.ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return Item{}, false
	}

	item := q[idx]
	rest := make([]Item, 0, len(q)-1)
	rest = append(rest, q[:idx]...)
	rest = append(rest, q[idx+1:]...)
	if len(rest) == 0 {
		delete(s.queues, documentID)
	} else {
		s.queues[documentID] = rest
	}
	s.mu.Unlock()

	s.notify.notify()
	return item, true
}

// prepend puts item back at the head of the queue, ahead of anything queued
// after it. An ID already present is moved to the front rather than
// duplicated.
func (s *Store) prepend(documentID string, item Item) {
	s.mu.Lock()
	q := s.queues[documentID]
	next := make([]Item, 0, len(q)+1)
	next = append(next, item.clone())
	for _, it := range q {
		if it.ID != item.ID {
			next = append(next, it)
		}
	}
	s.queues[documentID] = next
	s.mu.Unlock()

	s.notify.notify()
}

// clear drops every pending item for the document and reports how many
// were removed.
func (s *Store) clear(documentID string) int {
	s.mu.Lock()
	n := len(s.queues[documentID])
	delete(s.queues, documentID)
	s.mu.Unlock()

	if n > 0 {
		s.notify.notify()
	}
	return n
}
