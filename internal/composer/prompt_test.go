package composer

import (
	"strings"
	"testing"
)

func TestCompose_NoContext(t *testing.T) {
	c := New(4000)

	p := c.Compose(Input{Query: "  What is this about?  "})

	if p.User != "What is this about?" {
		t.Errorf("User = %q, want trimmed question", p.User)
	}
	if !strings.Contains(p.System, `"citations"`) {
		t.Errorf("system prompt does not describe the JSON reply: %s", p.System)
	}
	if strings.Contains(p.System, "[Context]") {
		t.Errorf("system prompt has a context section without chunks: %s", p.System)
	}
}

func TestCompose_DocumentDescribed(t *testing.T) {
	c := New(4000)

	p := c.Compose(Input{Title: "Field Manual", PageCount: 42, CurrentPage: 7, Query: "q"})

	for _, want := range []string{"Title: Field Manual", "Pages: 42", "viewing page 7"} {
		if !strings.Contains(p.System, want) {
			t.Errorf("system prompt missing %q: %s", want, p.System)
		}
	}
}

func TestCompose_ChunksByPriority(t *testing.T) {
	c := New(4000)

	p := c.Compose(Input{Query: "q", Chunks: []Chunk{
		{Label: "Page 3", Text: "page three text", Priority: 0.5},
		{Label: "Selected text, page 3", Text: "selected words", Priority: 1},
	}})

	sel := strings.Index(p.System, "selected words")
	page := strings.Index(p.System, "page three text")
	if sel < 0 || page < 0 {
		t.Fatalf("system prompt missing chunks: %s", p.System)
	}
	if sel > page {
		t.Error("higher priority chunk should appear first")
	}
}

func TestCompose_BlankChunksSkipped(t *testing.T) {
	c := New(4000)

	p := c.Compose(Input{Query: "q", Chunks: []Chunk{{Label: "Page 1", Text: "   ", Priority: 1}}})

	if strings.Contains(p.System, "(Page 1)") {
		t.Errorf("blank chunk rendered: %s", p.System)
	}
}

func TestCompose_TokenBudget(t *testing.T) {
	c := New(50)

	chunks := make([]Chunk, 10)
	for i := range chunks {
		chunks[i] = Chunk{Label: "Page", Text: strings.Repeat("x", 100), Priority: float64(10 - i)}
	}

	ctx := c.buildContext(chunks)
	if tokens := EstimateTokens(ctx); tokens > 50 {
		t.Errorf("context exceeds token budget: %d tokens", tokens)
	}
}

func TestCompose_LowestPriorityDropped(t *testing.T) {
	// Room for one chunk; the remainder is too small to truncate into.
	c := New(40)

	ctx := c.buildContext([]Chunk{
		{Label: "a", Text: strings.Repeat("A", 100), Priority: 0.9},
		{Label: "b", Text: strings.Repeat("B", 100), Priority: 0.5},
	})

	if !strings.Contains(ctx, strings.Repeat("A", 100)) {
		t.Error("expected high priority chunk A to be kept")
	}
	if strings.Contains(ctx, "B") {
		t.Error("expected low priority chunk B to be dropped")
	}
}

func TestCompose_LongChunkTruncated(t *testing.T) {
	c := New(100)

	ctx := c.buildContext([]Chunk{{Label: "Page 1", Text: strings.Repeat("word ", 500), Priority: 1}})

	if !strings.Contains(ctx, "[...]") {
		t.Errorf("expected truncation marker, got %q", ctx)
	}
	if tokens := EstimateTokens(ctx); tokens > 100 {
		t.Errorf("context exceeds token budget: %d tokens", tokens)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	out := truncateToTokens(Chunk{Label: "p", Text: strings.Repeat("é", 200)}, 20)
	if !strings.HasSuffix(strings.TrimSpace(out), "[...]") {
		t.Fatalf("missing marker: %q", out)
	}
	if strings.ContainsRune(out, '�') {
		t.Error("truncation split a multi-byte rune")
	}
	for _, r := range strings.TrimSuffix(strings.TrimSpace(out), " [...]") {
		if r == '�' {
			t.Error("invalid rune in output")
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := map[string]int{"": 0, "abc": 1, "abcd": 1, "abcde": 2}
	for in, want := range cases {
		if got := EstimateTokens(in); got != want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}
}
