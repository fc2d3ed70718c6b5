package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/docqa/internal/composer"
	"github.com/kalambet/docqa/internal/queue"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

type mockChatter struct {
	chatFn func(ctx context.Context, p composer.Prompt) (string, error)
	last   composer.Prompt
}

func (m *mockChatter) Chat(ctx context.Context, p composer.Prompt) (string, error) {
	m.last = p
	return m.chatFn(ctx, p)
}

type mockPages struct {
	pages map[int]string
	asked []int
}

func (m *mockPages) PageText(_ string, page int) (string, error) {
	m.asked = append(m.asked, page)
	text, ok := m.pages[page]
	if !ok {
		return "", fmt.Errorf("no page %d", page)
	}
	return text, nil
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func saveDoc(t *testing.T, s *storage.Store, pages int) storage.Document {
	t.Helper()
	doc, err := s.SaveDocument(storage.Document{Title: "Handbook", Path: "/docs/handbook.pdf", PageCount: pages})
	if err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	return doc
}

func replyWith(text string) func(context.Context, composer.Prompt) (string, error) {
	return func(context.Context, composer.Prompt) (string, error) { return text, nil }
}

func TestAnswer_ComposesContextAndParsesJSON(t *testing.T) {
	store := openStore(t)
	doc := saveDoc(t, store, 5)
	pages := &mockPages{pages: map[int]string{2: "page two", 3: "Setup requires Go 1.25.", 4: "page four"}}
	chat := &mockChatter{chatFn: replyWith(`{"answer":"Install Go 1.25.","citations":[{"page_number":3,"text":"Setup requires Go 1.25."},{"page_number":9,"text":"bogus"}]}`)}

	svc := NewService(store, pages, chat, composer.New(4000))
	resp, err := svc.Answer(context.Background(), queue.Request{
		DocumentID: doc.ID,
		Query:      "What do I need for setup?",
		Context: queue.RequestContext{
			CurrentPage:  3,
			SelectedText: &queue.SelectedText{Text: "Setup requires", PageNumber: 3},
		},
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if resp.Answer != "Install Go 1.25." {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if len(resp.Citations) != 1 || resp.Citations[0].PageNumber != 3 {
		t.Errorf("Citations = %+v, want only the page 3 citation", resp.Citations)
	}

	sys := chat.last.System
	for _, want := range []string{"Title: Handbook", "Pages: 5", "Setup requires Go 1.25.", "Selected text, page 3", "page two", "page four"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if chat.last.User != "What do I need for setup?" {
		t.Errorf("user prompt = %q", chat.last.User)
	}
	if len(pages.asked) != 3 {
		t.Errorf("pages read = %v, want current page and its neighbours once each", pages.asked)
	}
}

func TestAnswer_DefaultsToFirstPage(t *testing.T) {
	store := openStore(t)
	doc := saveDoc(t, store, 2)
	pages := &mockPages{pages: map[int]string{1: "cover"}}
	chat := &mockChatter{chatFn: replyWith("plain text answer")}

	svc := NewService(store, pages, chat, composer.New(4000))
	resp, err := svc.Answer(context.Background(), queue.Request{DocumentID: doc.ID, Query: "What is this?"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Answer != "plain text answer" {
		t.Errorf("Answer = %q, want the raw reply", resp.Answer)
	}
	if len(pages.asked) != 1 || pages.asked[0] != 1 {
		t.Errorf("pages read = %v, want [1]", pages.asked)
	}
}

func TestAnswer_PageErrorsAreNotFatal(t *testing.T) {
	store := openStore(t)
	doc := saveDoc(t, store, 3)
	chat := &mockChatter{chatFn: replyWith(`{"answer":"ok","citations":[]}`)}

	svc := NewService(store, &mockPages{}, chat, composer.New(4000))
	if _, err := svc.Answer(context.Background(), queue.Request{DocumentID: doc.ID, Query: "q", Context: queue.RequestContext{CurrentPage: 2}}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
}

func TestAnswer_UnknownDocument(t *testing.T) {
	store := openStore(t)
	svc := NewService(store, &mockPages{}, &mockChatter{chatFn: replyWith("x")}, composer.New(4000))

	_, err := svc.Answer(context.Background(), queue.Request{DocumentID: "missing", Query: "q"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want storage.ErrNotFound", err)
	}
}

func TestAnswer_ModelError(t *testing.T) {
	store := openStore(t)
	doc := saveDoc(t, store, 1)
	boom := errors.New("upstream down")
	chat := &mockChatter{chatFn: func(context.Context, composer.Prompt) (string, error) { return "", boom }}

	svc := NewService(store, &mockPages{}, chat, composer.New(4000))
	_, err := svc.Answer(context.Background(), queue.Request{DocumentID: doc.ID, Query: "q"})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped upstream error", err)
	}
}

func appendAt(t *testing.T, s *storage.Store, docID, role, content string, at time.Time) {
	t.Helper()
	if _, err := s.AppendMessage(storage.Message{DocumentID: docID, Role: role, Content: content, CreatedAt: at}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
}

func TestAnswer_HistoryExcludesCurrentQuestion(t *testing.T) {
	store := openStore(t)
	doc := saveDoc(t, store, 1)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	appendAt(t, store, doc.ID, queue.RoleUser, "What is chapter 1?", base)
	appendAt(t, store, doc.ID, queue.RoleAssistant, "An overview.", base.Add(time.Second))
	askedAt := base.Add(2 * time.Second)
	appendAt(t, store, doc.ID, queue.RoleUser, "And chapter 2?", askedAt)
	chat := &mockChatter{chatFn: replyWith("Details.")}

	svc := NewService(store, &mockPages{}, chat, composer.New(4000))
	if _, err := svc.Answer(context.Background(), queue.Request{DocumentID: doc.ID, Query: "And chapter 2?", AskedAt: askedAt}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	sys := chat.last.System
	if !strings.Contains(sys, "assistant: An overview.") {
		t.Errorf("system prompt missing earlier conversation: %s", sys)
	}
	if strings.Contains(sys, "user: And chapter 2?") {
		t.Errorf("current question repeated in history: %s", sys)
	}
}

func TestAnswer_HistoryLeavesOutLaterQueuedQuestions(t *testing.T) {
	store := openStore(t)
	doc := saveDoc(t, store, 1)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	appendAt(t, store, doc.ID, queue.RoleUser, "zeroth question", base)
	appendAt(t, store, doc.ID, queue.RoleUser, "first question", base.Add(time.Second))
	appendAt(t, store, doc.ID, queue.RoleUser, "second question", base.Add(2*time.Second))
	appendAt(t, store, doc.ID, queue.RoleUser, "third question", base.Add(3*time.Second))
	// The answer to the zeroth question lands after the burst was queued.
	appendAt(t, store, doc.ID, queue.RoleAssistant, "zeroth answer", base.Add(4*time.Second))
	chat := &mockChatter{chatFn: replyWith("ok")}

	svc := NewService(store, &mockPages{}, chat, composer.New(4000))
	if _, err := svc.Answer(context.Background(), queue.Request{
		DocumentID: doc.ID,
		Query:      "first question",
		AskedAt:    base.Add(time.Second),
	}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	sys := chat.last.System
	for _, want := range []string{"user: zeroth question", "assistant: zeroth answer"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q: %s", want, sys)
		}
	}
	for _, later := range []string{"first question\n", "second question", "third question"} {
		if strings.Contains(sys, "user: "+later) {
			t.Errorf("history lists %q, which was not asked before this question", later)
		}
	}
}

func TestAnswer_HistoryWithRepeatedQuestionText(t *testing.T) {
	store := openStore(t)
	doc := saveDoc(t, store, 1)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	appendAt(t, store, doc.ID, queue.RoleUser, "Why?", base)
	appendAt(t, store, doc.ID, queue.RoleAssistant, "Because of page 1.", base.Add(time.Second))
	appendAt(t, store, doc.ID, queue.RoleUser, "Why?", base.Add(2*time.Second))
	chat := &mockChatter{chatFn: replyWith("ok")}

	svc := NewService(store, &mockPages{}, chat, composer.New(4000))
	if _, err := svc.Answer(context.Background(), queue.Request{DocumentID: doc.ID, Query: "Why?", AskedAt: base.Add(2 * time.Second)}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	sys := chat.last.System
	if got := strings.Count(sys, "user: Why?"); got != 1 {
		t.Errorf("earlier identical question listed %d times, want 1: %s", got, sys)
	}
	if !strings.Contains(sys, "assistant: Because of page 1.") {
		t.Errorf("system prompt missing earlier answer: %s", sys)
	}
}

type mockSearcher struct {
	hits []retrieval.ScoredPage
	err  error
	topK int
}

func (m *mockSearcher) RelevantPages(_ context.Context, _, _ string, topK int) ([]retrieval.ScoredPage, error) {
	m.topK = topK
	return m.hits, m.err
}

func scored(page int, text string) retrieval.ScoredPage {
	return retrieval.ScoredPage{PageVector: retrieval.PageVector{Page: page, Text: text}, Score: 0.8}
}

func TestAnswer_SearchAddsRelevantPages(t *testing.T) {
	store := openStore(t)
	doc := saveDoc(t, store, 20)
	pages := &mockPages{pages: map[int]string{5: "page five", 4: "page four", 6: "page six"}}
	chat := &mockChatter{chatFn: replyWith("ok")}
	search := &mockSearcher{hits: []retrieval.ScoredPage{scored(17, "Warranty terms apply for two years."), scored(5, "duplicate of current")}}

	svc := NewService(store, pages, chat, composer.New(4000))
	svc.UseSearch(search, 3)
	if _, err := svc.Answer(context.Background(), queue.Request{
		DocumentID: doc.ID,
		Query:      "How long is the warranty?",
		Context:    queue.RequestContext{CurrentPage: 5},
	}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if search.topK != 3 {
		t.Errorf("topK = %d, want 3", search.topK)
	}
	sys := chat.last.System
	if !strings.Contains(sys, "Warranty terms apply for two years.") {
		t.Errorf("system prompt missing the search hit: %s", sys)
	}
	if strings.Contains(sys, "duplicate of current") {
		t.Error("search hit for the current page should not be added twice")
	}
	if !strings.Contains(sys, "page five") {
		t.Error("current page text missing")
	}
}

func TestAnswer_SearchSkipsFirstPageFallback(t *testing.T) {
	store := openStore(t)
	doc := saveDoc(t, store, 9)
	pages := &mockPages{pages: map[int]string{1: "cover"}}
	chat := &mockChatter{chatFn: replyWith("ok")}

	svc := NewService(store, pages, chat, composer.New(4000))
	svc.UseSearch(&mockSearcher{hits: []retrieval.ScoredPage{scored(8, "appendix")}}, 2)
	if _, err := svc.Answer(context.Background(), queue.Request{DocumentID: doc.ID, Query: "q"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(pages.asked) != 0 {
		t.Errorf("pages read = %v, want none when search found pages", pages.asked)
	}
}

func TestAnswer_SearchErrorIsNotFatal(t *testing.T) {
	store := openStore(t)
	doc := saveDoc(t, store, 2)
	chat := &mockChatter{chatFn: replyWith("ok")}

	svc := NewService(store, &mockPages{pages: map[int]string{1: "cover"}}, chat, composer.New(4000))
	svc.UseSearch(&mockSearcher{err: errors.New("ollama down")}, 3)
	resp, err := svc.Answer(context.Background(), queue.Request{DocumentID: doc.ID, Query: "q"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Answer != "ok" {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if !strings.Contains(chat.last.System, "cover") {
		t.Error("expected the first page fallback after a failed search")
	}
}

func TestParseReply(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"json", `{"answer":"Yes.","citations":[]}`, "Yes.", false},
		{"fenced json", "```json\n{\"answer\":\"Fenced.\"}\n```", "Fenced.", false},
		{"plain text", "Just text.", "Just text.", false},
		{"blank", "   \n", "", true},
		{"json blank answer", `{"answer":"  ","citations":[]}`, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseReply(tc.raw, 0)
			if tc.wantErr {
				if !errors.Is(err, queue.ErrMalformedResponse) {
					t.Errorf("error = %v, want ErrMalformedResponse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseReply: %v", err)
			}
			if got.Answer != tc.want {
				t.Errorf("Answer = %q, want %q", got.Answer, tc.want)
			}
		})
	}
}

func TestValidCitations(t *testing.T) {
	in := []queue.Citation{{PageNumber: 0, Text: "x"}, {PageNumber: 2, Text: " quote "}, {PageNumber: 7, Text: "y"}}

	got := validCitations(in, 5)
	if len(got) != 1 || got[0].PageNumber != 2 || got[0].Text != "quote" {
		t.Errorf("validCitations = %+v", got)
	}
	if got := validCitations(in, 0); len(got) != 2 {
		t.Errorf("validCitations with unknown page count = %+v, want 2", got)
	}
}
