package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that Ollama is running and the answer model is present,
// pulling it if needed, then warms it up so the first question does not pay
// the load time. Progress is written to w. A failed warm-up is not an error.
func EnsureReady(ctx context.Context, c *Client, model string, w io.Writer) error {
	if err := EnsureModel(ctx, c, model, w); err != nil {
		return err
	}

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.Chat(warmCtx, model, []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", model, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", model)
	}
	return nil
}

// EnsureModel checks that Ollama is running and pulls model if it is missing.
func EnsureModel(ctx context.Context, c *Client, model string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running. Start it with: ollama serve")
	}
	if c.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", model)
	err := c.PullModel(ctx, model, func(p PullProgress) {
		if p.Total > 0 {
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}
