package answer

import (
	"context"

	"github.com/kalambet/docqa/internal/composer"
	"github.com/kalambet/docqa/internal/ollama"
	"github.com/kalambet/docqa/internal/proxy"
)

// Chatter sends a composed prompt to a model and returns its raw reply.
type Chatter interface {
	Chat(ctx context.Context, p composer.Prompt) (string, error)
}

// OpenRouter answers through the OpenRouter chat completions API.
type OpenRouter struct {
	Client      *proxy.Client
	Model       string
	Temperature float64
}

func (o OpenRouter) Chat(ctx context.Context, p composer.Prompt) (string, error) {
	temp := o.Temperature
	return o.Client.Complete(ctx, proxy.ChatRequest{
		Model: o.Model,
		Messages: []proxy.Message{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Temperature:    &temp,
		ResponseFormat: proxy.JSONObject,
	})
}

// answerSchema constrains local model output to the reply shape.
var answerSchema = &ollama.Schema{
	Type: "object",
	Properties: map[string]ollama.SchemaProperty{
		"answer": {Type: "string", Description: "markdown answer to the question"},
		"citations": {
			Type: "array",
			Items: &ollama.Schema{
				Type: "object",
				Properties: map[string]ollama.SchemaProperty{
					"page_number": {Type: "integer"},
					"text":        {Type: "string"},
				},
				Required: []string{"page_number", "text"},
			},
		},
	},
	Required: []string{"answer", "citations"},
}

// Ollama answers with a local model.
type Ollama struct {
	Client *ollama.Client
	Model  string
}

func (o Ollama) Chat(ctx context.Context, p composer.Prompt) (string, error) {
	return o.Client.Chat(ctx, o.Model, []ollama.Message{
		{Role: "system", Content: p.System},
		{Role: "user", Content: p.User},
	}, answerSchema)
}
