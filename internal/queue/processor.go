package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultDebounce is how long a document must stay quiet before its next
	// item is dispatched.
	DefaultDebounce = time.Second
	// DefaultRequestTimeout bounds a single answering call.
	DefaultRequestTimeout = 2 * time.Minute
)

// ErrMalformedResponse is returned for answers that carry no text.
var ErrMalformedResponse = errors.New("malformed answer")

// Options tune the Processor. Zero values select the defaults; MaxAttempts
// and RetryBackoff of zero mean "retry forever, on the next pass".
type Options struct {
	Debounce        time.Duration
	RequestTimeout  time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

type debounceTimer struct {
	timer *time.Timer
}

// Processor answers queued questions one at a time per document.
//
// It is the only writer of document status and the only caller of the
// Store's removal and front-insertion primitives.
type Processor struct {
	store    *Store
	status   *Tracker
	answerer Answerer
	sink     Sink
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	timers   map[string]*debounceTimer
	retryAt  map[string]time.Time
	baseCtx  context.Context
	stopped  bool
	wg       sync.WaitGroup
}

// NewProcessor wires a Processor to its stores and collaborators.
func NewProcessor(store *Store, status *Tracker, answerer Answerer, sink Sink, opts Options) *Processor {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	return &Processor{
		store:    store,
		status:   status,
		answerer: answerer,
		sink:     sink,
		opts:     opts,
		logger:   slog.Default(),
		inFlight: make(map[string]struct{}),
		timers:   make(map[string]*debounceTimer),
		retryAt:  make(map[string]time.Time),
		baseCtx:  context.Background(),
	}
}

// Run reconciles all documents once, then again after every queue or status
// change, until ctx is cancelled. On return no timer is armed and every
// dispatched request has finished.
func (p *Processor) Run(ctx context.Context) error {
	queueCh, unsubQueue := p.store.Subscribe()
	defer unsubQueue()
	statusCh, unsubStatus := p.status.Subscribe()
	defer unsubStatus()

	p.mu.Lock()
	p.baseCtx = ctx
	p.stopped = false
	p.mu.Unlock()

	p.CheckAllDocuments()
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		case <-queueCh:
			p.CheckAllDocuments()
		case <-statusCh:
			p.CheckAllDocuments()
		}
	}
}

// CheckAllDocuments schedules every document that has pending items and can
// make progress. A document in error is reset to ready first, so a failure
// never needs manual clearing.
func (p *Processor) CheckAllDocuments() {
	for _, id := range p.store.Documents() {
		p.reconcile(id)
	}
}

func (p *Processor) reconcile(documentID string) {
	if p.store.Len(documentID) == 0 {
		return
	}
	switch p.status.Status(documentID) {
	case StatusReady:
		p.scheduleProcessing(documentID)
	case StatusError:
		p.status.set(documentID, StatusReady)
		p.scheduleProcessing(documentID)
	}
}

// scheduleProcessing (re)arms the document's debounce timer. Any timer
// already pending for it is cancelled, so a burst of changes yields one
// attempt.
func (p *Processor) scheduleProcessing(documentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	if prev, ok := p.timers[documentID]; ok {
		prev.timer.Stop()
	}

	delay := p.opts.Debounce
	if at, ok := p.retryAt[documentID]; ok {
		if rem := time.Until(at); rem > delay {
			delay = rem
		}
	}

	dt := &debounceTimer{}
	p.timers[documentID] = dt
	dt.timer = time.AfterFunc(delay, func() { p.fire(documentID, dt) })
}

func (p *Processor) fire(documentID string, dt *debounceTimer) {
	p.mu.Lock()
	if p.timers[documentID] == dt {
		delete(p.timers, documentID)
	}
	if p.stopped {
		p.mu.Unlock()
		return
	}
	ctx := p.baseCtx
	p.wg.Add(1)
	p.mu.Unlock()

	defer p.wg.Done()
	p.TryProcess(ctx, documentID)
}

// TryProcess dispatches the head of the document's queue if the document is
// ready and has nothing in flight. It blocks until the answer is delivered
// or the failure handled, and reports whether an item was dispatched.
func (p *Processor) TryProcess(ctx context.Context, documentID string) bool {
	p.mu.Lock()
	if _, busy := p.inFlight[documentID]; busy {
		p.mu.Unlock()
		return false
	}
	if p.status.Status(documentID) != StatusReady {
		p.mu.Unlock()
		return false
	}
	pending := p.store.PeekAll(documentID)
	if len(pending) == 0 {
		p.mu.Unlock()
		return false
	}
	p.inFlight[documentID] = struct{}{}
	delete(p.retryAt, documentID)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inFlight, documentID)
		p.mu.Unlock()
		// Changes that landed while the flag was held were skipped by the
		// in-flight guard; look again so nothing is left waiting.
		p.reconcile(documentID)
	}()

	item, ok := p.store.popByID(documentID, pending[0].ID)
	if !ok {
		p.logger.Debug("queue item already taken", "document_id", documentID, "item_id", pending[0].ID)
		return false
	}
	item.Status = ItemProcessing
	p.status.set(documentID, StatusProcessing)

	p.logger.Debug("answering question",
		"document_id", documentID,
		"item_id", item.ID,
		"attempt", item.Attempts+1,
	)

	resp, err := p.answer(ctx, item)
	if err != nil {
		p.handleFailure(ctx, item, err)
		return true
	}

	msg := Message{Role: RoleAssistant, Content: resp.Answer, Citations: resp.Citations}
	if err := p.sink.Deliver(ctx, documentID, msg); err != nil {
		p.logger.Error("delivering answer", "document_id", documentID, "item_id", item.ID, "error", err)
	}
	p.status.set(documentID, StatusReady)
	return true
}

type answerResult struct {
	resp Response
	err  error
}

// answer calls the answering service under the request timeout. The call
// runs on its own goroutine so an answerer that ignores ctx still releases
// the document when the timeout expires.
func (p *Processor) answer(ctx context.Context, item Item) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	req := Request{
		DocumentID: item.DocumentID,
		Query:      item.Query,
		AskedAt:    item.Timestamp,
		Context: RequestContext{
			CurrentPage:  item.CurrentPage,
			SelectedText: item.SelectedText,
		},
	}

	done := make(chan answerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- answerResult{err: fmt.Errorf("answering service panicked: %v", r)}
			}
		}()
		resp, err := p.answerer.Answer(callCtx, req)
		done <- answerResult{resp: resp, err: err}
	}()

	var res answerResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		return Response{}, fmt.Errorf("answering service: %w", callCtx.Err())
	}
	if res.err != nil {
		return Response{}, res.err
	}
	if strings.TrimSpace(res.resp.Answer) == "" {
		return Response{}, ErrMalformedResponse
	}
	return res.resp, nil
}

func (p *Processor) handleFailure(ctx context.Context, item Item, cause error) {
	documentID := item.DocumentID
	item.Status = ItemPending
	item.Attempts++

	if p.opts.MaxAttempts > 0 && item.Attempts >= p.opts.MaxAttempts {
		p.logger.Warn("giving up on question",
			"document_id", documentID,
			"item_id", item.ID,
			"attempts", item.Attempts,
			"error", cause,
		)
		p.status.set(documentID, StatusReady)
		p.sink.Notify(ctx, documentID, fmt.Sprintf("Could not answer %q after %d attempts; giving up.", preview(item.Query), item.Attempts))
		return
	}

	p.logger.Warn("answering failed, requeued",
		"document_id", documentID,
		"item_id", item.ID,
		"attempts", item.Attempts,
		"error", cause,
	)

	if d := p.backoff(item.Attempts); d > 0 {
		p.mu.Lock()
		p.retryAt[documentID] = time.Now().Add(d)
		p.mu.Unlock()
	}
	p.store.prepend(documentID, item)
	p.status.set(documentID, StatusError)
	if ctx.Err() != nil {
		// Shutting down; the question stays queued without a notice.
		return
	}
	p.sink.Notify(ctx, documentID, fmt.Sprintf("Could not answer %q yet; it will be retried.", preview(item.Query)))
}

// backoff returns the extra wait before retry number attempts, or zero when
// no backoff is configured. The doubling saturates instead of overflowing.
func (p *Processor) backoff(attempts int) time.Duration {
	base := p.opts.RetryBackoff
	if base <= 0 || attempts <= 0 {
		return 0
	}
	limit := p.opts.MaxRetryBackoff
	d := base
	for i := 1; i < attempts; i++ {
		if limit > 0 && d >= limit {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}

// Clear drops the document's pending questions and cancels its timer. A
// request already in flight still completes.
func (p *Processor) Clear(documentID string) int {
	p.mu.Lock()
	if dt, ok := p.timers[documentID]; ok {
		dt.timer.Stop()
		delete(p.timers, documentID)
	}
	delete(p.retryAt, documentID)
	p.mu.Unlock()

	return p.store.clear(documentID)
}

// Busy reports whether a request for the document is in flight.
func (p *Processor) Busy(documentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[documentID]
	return ok
}

func (p *Processor) shutdown() {
	p.mu.Lock()
	p.stopped = true
	for id, dt := range p.timers {
		dt.timer.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > 60 {
		return string(r[:60]) + "..."
	}
	return s
}
