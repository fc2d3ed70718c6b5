package answer

import (
	"encoding/json"
	"strings"

	"github.com/kalambet/docqa/internal/queue"
)

type reply struct {
	Answer    string           `json:"answer"`
	Citations []queue.Citation `json:"citations"`
}

// parseReply turns raw model output into a Response. JSON replies are
// decoded; anything else non-blank is taken as the answer text. Citations
// outside 1..pageCount are dropped when pageCount is known.
func parseReply(raw string, pageCount int) (queue.Response, error) {
	text := stripFence(strings.TrimSpace(raw))
	if text == "" {
		return queue.Response{}, queue.ErrMalformedResponse
	}

	var r reply
	if strings.HasPrefix(text, "{") && json.Unmarshal([]byte(text), &r) == nil {
		if strings.TrimSpace(r.Answer) == "" {
			return queue.Response{}, queue.ErrMalformedResponse
		}
		return queue.Response{
			Answer:    strings.TrimSpace(r.Answer),
			Citations: validCitations(r.Citations, pageCount),
		}, nil
	}
	return queue.Response{Answer: text}, nil
}

func validCitations(in []queue.Citation, pageCount int) []queue.Citation {
	var out []queue.Citation
	for _, c := range in {
		if c.PageNumber < 1 || (pageCount > 0 && c.PageNumber > pageCount) {
			continue
		}
		c.Text = strings.TrimSpace(c.Text)
		out = append(out, c)
	}
	return out
}

// stripFence removes a surrounding ```json ... ``` block.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 && !strings.Contains(inner[:nl], " ") {
		inner = inner[nl+1:]
	}
	return strings.TrimSpace(inner)
}
