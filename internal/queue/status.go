package queue

import "sync"

// Status is the state of a document's answering channel.
type Status string

const (
	StatusReady      Status = "ready"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
)

// Tracker records one Status per document. Unknown documents are ready.
// Only the Processor writes.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Status
	notify   notifier
}

// NewTracker creates a Tracker with every document implicitly ready.
func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]Status)}
}

// Status returns the document's current status.
func (t *Tracker) Status(documentID string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.statuses[documentID]; ok {
		return s
	}
	return StatusReady
}

// Snapshot returns a copy of every explicitly tracked status.
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.statuses))
	for k, v := range t.statuses {
		out[k] = v
	}
	return out
}

// Subscribe returns a channel signalled after every status change. Writing
// the status a document already has is not a change.
func (t *Tracker) Subscribe() (<-chan struct{}, func()) {
	return t.notify.subscribe()
}

func (t *Tracker) set(documentID string, s Status) {
	t.mu.Lock()
	prev, ok := t.statuses[documentID]
	if !ok {
		prev = StatusReady
	}
	if prev == s {
		t.mu.Unlock()
		return
	}
	t.statuses[documentID] = s
	t.mu.Unlock()

	t.notify.notify()
}
