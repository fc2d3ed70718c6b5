package storage

import (
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same directory and verifies
// migrations are not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if _, err := s1.SaveDocument(Document{Title: "kept", Path: "/tmp/kept.pdf"}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}

	docs, err := s2.ListDocuments(10)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 1 || docs[0].Title != "kept" {
		t.Errorf("documents after reopen = %+v, want the saved one", docs)
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_documents_created", "idx_documents_index", "idx_messages_document", "idx_notifications_document"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("007_add_things.sql")
	if err != nil || v != 7 {
		t.Errorf("parseMigrationVersion = (%d, %v), want (7, nil)", v, err)
	}
	if _, err := parseMigrationVersion("init.sql"); err == nil {
		t.Error("expected error for a file without a version prefix")
	}
}

func TestSaveAndGetDocument(t *testing.T) {
	s := openTestStore(t)

	saved, err := s.SaveDocument(Document{Title: "Manual", Path: "/docs/manual.pdf", PageCount: 12})
	if err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("SaveDocument did not assign an ID")
	}
	if saved.CreatedAt.IsZero() {
		t.Error("SaveDocument did not set CreatedAt")
	}

	got, err := s.GetDocument(saved.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Title != "Manual" || got.Path != "/docs/manual.pdf" || got.PageCount != 12 {
		t.Errorf("GetDocument = %+v", got)
	}
	if !got.CreatedAt.Equal(saved.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, saved.CreatedAt)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetDocument("missing"); err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListDocuments_NewestFirstWithLimit(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := s.SaveDocument(Document{
			ID:        fmt.Sprintf("d%d", i),
			Title:     fmt.Sprintf("doc %d", i),
			Path:      "/x.pdf",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveDocument: %v", err)
		}
	}

	docs, err := s.ListDocuments(2)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "d2" || docs[1].ID != "d1" {
		t.Errorf("ListDocuments(2) = %+v, want d2, d1", docs)
	}
}

func TestListDocuments_EmptyIsNonNil(t *testing.T) {
	s := openTestStore(t)

	docs, err := s.ListDocuments(10)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if docs == nil {
		t.Error("ListDocuments returned nil, want empty slice")
	}
}

func TestAppendAndListMessages(t *testing.T) {
	s := openTestStore(t)

	msgs := []Message{
		{DocumentID: "D1", Role: "user", Content: "Summarize page 3"},
		{DocumentID: "D1", Role: "assistant", Content: "Page 3 is about setup.", Citations: []Citation{{PageNumber: 3, Text: "setup"}}},
		{DocumentID: "D2", Role: "user", Content: "other document"},
		{DocumentID: "D1", Role: "user", Content: "And page 4?"},
	}
	for _, m := range msgs {
		if _, err := s.AppendMessage(m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.ListMessages("D1", 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	wantContent := []string{"Summarize page 3", "Page 3 is about setup.", "And page 4?"}
	for i, w := range wantContent {
		if got[i].Content != w {
			t.Errorf("message %d = %q, want %q", i, got[i].Content, w)
		}
	}
	if len(got[1].Citations) != 1 || got[1].Citations[0].PageNumber != 3 {
		t.Errorf("citations = %+v, want one for page 3", got[1].Citations)
	}
	if len(got[0].Citations) != 0 {
		t.Errorf("user message citations = %+v, want none", got[0].Citations)
	}
}

func TestListMessages_LimitKeepsLatest(t *testing.T) {
	s := openTestStore(t)

	for i := 1; i <= 5; i++ {
		if _, err := s.AppendMessage(Message{DocumentID: "D1", Role: "user", Content: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.ListMessages("D1", 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 2 || got[0].Content != "q4" || got[1].Content != "q5" {
		t.Errorf("ListMessages(2) = %+v, want q4, q5", got)
	}
}

func TestListHistory_StopsAtLaterQuestions(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, m := range []Message{
		{Role: "user", Content: "q1"},
		{Role: "user", Content: "q2"},
		{Role: "user", Content: "q3"},
		{Role: "assistant", Content: "a1"},
	} {
		m.DocumentID = "D1"
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if _, err := s.AppendMessage(m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.ListHistory("D1", base.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(got) != 2 || got[0].Content != "q1" || got[1].Content != "a1" {
		t.Errorf("ListHistory = %+v, want q1, a1", got)
	}

	got, err = s.ListHistory("D1", base.Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(got) != 2 || got[0].Content != "q3" || got[1].Content != "a1" {
		t.Errorf("ListHistory(limit 2) = %+v, want q3, a1", got)
	}
}

func TestNotifications(t *testing.T) {
	s := openTestStore(t)

	for _, text := range []string{"first", "second"} {
		if _, err := s.AddNotification(Notification{DocumentID: "D1", Text: text}); err != nil {
			t.Fatalf("AddNotification: %v", err)
		}
	}
	if _, err := s.AddNotification(Notification{DocumentID: "D2", Text: "elsewhere"}); err != nil {
		t.Fatalf("AddNotification: %v", err)
	}

	got, err := s.ListNotifications("D1", 10)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(got) != 2 || got[0].Text != "second" || got[1].Text != "first" {
		t.Errorf("ListNotifications = %+v, want second, first", got)
	}
}
