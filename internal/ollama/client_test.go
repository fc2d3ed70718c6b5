package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	var r tagsResponse
	for _, n := range names {
		r.Models = append(r.Models, struct {
			Name string `json:"name"`
		}{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest"))
	}))
	defer srv.Close()

	if !New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestIsRunning_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	if New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest", "qwen2.5:7b"))
	}))
	defer srv.Close()

	models, err := New(srv.URL).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	want := []string{"llama3.2:latest", "qwen2.5:7b"}
	if len(models) != len(want) {
		t.Fatalf("got %d models, want %d", len(models), len(want))
	}
	for i, w := range want {
		if models[i] != w {
			t.Errorf("models[%d] = %q, want %q", i, models[i], w)
		}
	}
}

func TestHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.HasModel(context.Background(), "llama3.2") {
		t.Error("HasModel(llama3.2) = false, want true")
	}
	if c.HasModel(context.Background(), "llama3") {
		t.Error("HasModel(llama3) = true, want false")
	}
}

func TestChat_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "Page 2."}})
	}))
	defer srv.Close()

	result, err := New(srv.URL).Chat(context.Background(), "llama3.2", []Message{
		{Role: "user", Content: "Where is the index?"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result != "Page 2." {
		t.Errorf("result = %q, want %q", result, "Page 2.")
	}
}

func TestChat_JSONSchema(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream bool           `json:"stream"`
			Format map[string]any `json:"format"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Stream {
			t.Error("stream = true, want false")
		}
		captured = body.Format
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: `{"answer":"yes","citations":[]}`}})
	}))
	defer srv.Close()

	schema := &Schema{
		Type: "object",
		Properties: map[string]SchemaProperty{
			"answer":    {Type: "string"},
			"citations": {Type: "array", Items: &Schema{Type: "object"}},
		},
		Required: []string{"answer"},
	}
	result, err := New(srv.URL).Chat(context.Background(), "llama3.2", []Message{{Role: "user", Content: "q"}}, schema)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if captured["type"] != "object" {
		t.Errorf("format.type = %v, want object", captured["type"])
	}
	props, _ := captured["properties"].(map[string]any)
	cit, _ := props["citations"].(map[string]any)
	if items, _ := cit["items"].(map[string]any); items["type"] != "object" {
		t.Errorf("citations.items = %v, want object schema", cit["items"])
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		t.Errorf("response is not valid JSON: %v", err)
	}
}

func TestChat_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Chat(context.Background(), "nope", []Message{{Role: "user", Content: "q"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("error = %v, want it to carry the server message", err)
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		var reqBody pullRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody.Name != "llama3.2" {
			t.Errorf("pull model = %q, want %q", reqBody.Name, "llama3.2")
		}

		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	var progressCount int
	err := New(srv.URL).PullModel(context.Background(), "llama3.2", func(p PullProgress) {
		progressCount++
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if progressCount != 3 {
		t.Errorf("received %d progress updates, want 3", progressCount)
	}
}

func TestEnsureReady_OllamaDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := EnsureReady(context.Background(), New(srv.URL), "llama3.2", io.Discard)
	if err == nil {
		t.Fatal("expected error when Ollama is down")
	}
	if !strings.Contains(err.Error(), "Ollama is not running") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestEnsureReady_PullsMissingModel(t *testing.T) {
	var pulled, chatted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON("other:latest"))
		case "/api/pull":
			pulled.Add(1)
			json.NewEncoder(w).Encode(PullProgress{Status: "success"})
		case "/api/chat":
			chatted.Add(1)
			json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "pong"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := EnsureReady(context.Background(), New(srv.URL), "llama3.2", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if pulled.Load() != 1 {
		t.Errorf("pulls = %d, want 1", pulled.Load())
	}
	if chatted.Load() != 1 {
		t.Errorf("warm-up chats = %d, want 1", chatted.Load())
	}
	if !strings.Contains(out.String(), "model llama3.2: warm") {
		t.Errorf("progress output = %q", out.String())
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "nomic-embed-text" || req.Input != "page text" {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer srv.Close()

	vec, err := New(srv.URL).Embed(context.Background(), "nomic-embed-text", "page text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Errorf("vector = %v", vec)
	}
}

func TestEmbed_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[]}`))
	}))
	defer srv.Close()

	if _, err := New(srv.URL).Embed(context.Background(), "m", "x"); err == nil {
		t.Error("expected error for an empty embeddings array")
	}
}

func TestEnsureModel_NoWarmUp(t *testing.T) {
	var chatted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON("nomic-embed-text:latest"))
		case "/api/chat":
			chatted.Add(1)
		}
	}))
	defer srv.Close()

	if err := EnsureModel(context.Background(), New(srv.URL), "nomic-embed-text", io.Discard); err != nil {
		t.Fatalf("EnsureModel: %v", err)
	}
	if chatted.Load() != 0 {
		t.Error("EnsureModel should not chat with the model")
	}
}
