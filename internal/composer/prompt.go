package composer

import (
	"fmt"
	"sort"
	"strings"
)

const (
	defaultMaxContextTokens = 4000
	// minTruncatedTokens is the smallest remainder worth filling with a
	// truncated chunk.
	minTruncatedTokens = 32
)

// systemInstructions tells the model how to answer and what to return.
const systemInstructions = `You answer questions about a single document the user is reading.
Use only the document context below. If the context does not contain the answer, say so.
Reply with a JSON object: {"answer": "<markdown answer>", "citations": [{"page_number": <int>, "text": "<short quote>"}]}.
Cite only pages that appear in the context.`

// Chunk is one piece of document context. Higher Priority chunks are kept
// first when the token budget is tight.
type Chunk struct {
	Label    string
	Text     string
	Priority float64
}

// Input is everything known about a question at answer time.
type Input struct {
	Title       string
	PageCount   int
	CurrentPage int
	Query       string
	Chunks      []Chunk
}

// Prompt is a system/user message pair ready for a chat model.
type Prompt struct {
	System string
	User   string
}

// Composer assembles answer prompts from document context and the user's
// question, keeping injected context under a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose builds the prompt. The question becomes the user message verbatim.
func (c *Composer) Compose(in Input) Prompt {
	var sb strings.Builder
	sb.WriteString(systemInstructions)
	sb.WriteString("\n\n")
	sb.WriteString(describeDocument(in))
	sb.WriteString(c.buildContext(in.Chunks))

	return Prompt{
		System: strings.TrimSpace(sb.String()),
		User:   strings.TrimSpace(in.Query),
	}
}

func describeDocument(in Input) string {
	var sb strings.Builder
	sb.WriteString("[Document]\n")
	if in.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", in.Title)
	}
	if in.PageCount > 0 {
		fmt.Fprintf(&sb, "Pages: %d\n", in.PageCount)
	}
	if in.CurrentPage > 0 {
		fmt.Fprintf(&sb, "The user is viewing page %d.\n", in.CurrentPage)
	}
	return sb.String()
}

// buildContext renders chunks in priority order, dropping or truncating
// the lowest priority ones once the budget runs out.
func (c *Composer) buildContext(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}

	sorted := make([]Chunk, 0, len(chunks))
	for _, ch := range chunks {
		if strings.TrimSpace(ch.Text) != "" {
			sorted = append(sorted, ch)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	const header = "\n[Context]\n"
	remaining := c.MaxContextTokens - EstimateTokens(header)

	var entries []string
	for _, ch := range sorted {
		entry := formatChunk(ch.Label, ch.Text)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			if remaining < minTruncatedTokens {
				continue
			}
			entry = truncateToTokens(ch, remaining)
			tokens = EstimateTokens(entry)
		}
		entries = append(entries, entry)
		remaining -= tokens
	}

	if len(entries) == 0 {
		return ""
	}
	return header + strings.Join(entries, "")
}

func formatChunk(label, text string) string {
	return fmt.Sprintf("(%s)\n%s\n\n", label, strings.TrimSpace(text))
}

func truncateToTokens(ch Chunk, tokens int) string {
	const marker = " [...]"
	overhead := len(formatChunk(ch.Label, "")) + len(marker)
	keep := tokens*4 - overhead
	text := strings.TrimSpace(ch.Text)
	if keep <= 0 {
		return ""
	}
	if keep < len(text) {
		// Cut on a rune boundary.
		for keep > 0 && !isRuneStart(text[keep]) {
			keep--
		}
		text = text[:keep] + marker
	}
	return formatChunk(ch.Label, text)
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
