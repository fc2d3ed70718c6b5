package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

type mockEmbedClient struct {
	embedFn func(ctx context.Context, model, text string) ([]float32, error)
	calls   atomic.Int32
}

func (m *mockEmbedClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	m.calls.Add(1)
	return m.embedFn(ctx, model, text)
}

func TestEmbed_UsesModel(t *testing.T) {
	mock := &mockEmbedClient{embedFn: func(_ context.Context, model, _ string) ([]float32, error) {
		if model != "nomic-embed-text" {
			t.Errorf("model = %q", model)
		}
		return makeTestVector(384, 0), nil
	}}

	vec, err := NewEmbedder(mock, "nomic-embed-text").Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("got %d dimensions, want 384", len(vec))
	}
}

func TestEmbed_Error(t *testing.T) {
	mock := &mockEmbedClient{embedFn: func(context.Context, string, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}}

	_, err := NewEmbedder(mock, "m").Embed(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error = %v, want wrapped client error", err)
	}
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	mock := &mockEmbedClient{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		return []float32{float32(len(text))}, nil
	}}
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff"}

	vecs, err := NewEmbedder(mock, "m").EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, v := range vecs {
		if int(v[0]) != len(texts[i]) {
			t.Errorf("vecs[%d] = %v, want length of %q", i, v, texts[i])
		}
	}
	if got := mock.calls.Load(); got != int32(len(texts)) {
		t.Errorf("calls = %d, want %d", got, len(texts))
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	vecs, err := NewEmbedder(&mockEmbedClient{}, "m").EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = (%v, %v), want (nil, nil)", vecs, err)
	}
}

func TestEmbedBatch_Error(t *testing.T) {
	mock := &mockEmbedClient{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		if text == "bad" {
			return nil, errors.New("boom")
		}
		return []float32{1}, nil
	}}

	_, err := NewEmbedder(mock, "m").EmbedBatch(context.Background(), []string{"ok", "bad", "ok"})
	if err == nil || !strings.Contains(err.Error(), "embedding text 1") {
		t.Errorf("error = %v, want it to name the failing text", err)
	}
}
