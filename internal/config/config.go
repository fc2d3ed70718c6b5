package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Answer  AnswerConfig
	Ollama  OllamaConfig
	Proxy   ProxyConfig
	Queue   QueueConfig
	Index   IndexConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// AnswerConfig selects the model that answers questions.
type AnswerConfig struct {
	Provider         string
	Model            string
	MaxContextTokens int
	Temperature      float64
}

type OllamaConfig struct {
	BaseURL string
}

type ProxyConfig struct {
	OpenRouterAPIKey string
}

// QueueConfig tunes the per-document question processor.
type QueueConfig struct {
	Debounce        time.Duration
	RequestTimeout  time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// IndexConfig controls the background page index used to find relevant
// pages by similarity. Embeddings always come from Ollama.
type IndexConfig struct {
	Enabled      bool
	EmbedModel   string
	TopK         int
	PollInterval time.Duration
}

const (
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
)

const secretsService = "docqa"

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4100,
			MaxConnections: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Answer: AnswerConfig{
			Provider:         ProviderOpenRouter,
			Model:            "anthropic/claude-sonnet-4",
			MaxContextTokens: 4000,
			Temperature:      0.2,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Queue: QueueConfig{
			Debounce:        time.Second,
			RequestTimeout:  2 * time.Minute,
			MaxAttempts:     5,
			RetryBackoff:    time.Second,
			MaxRetryBackoff: 30 * time.Second,
		},
		Index: IndexConfig{
			Enabled:      true,
			EmbedModel:   "nomic-embed-text",
			TopK:         3,
			PollInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.docqa.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/docqa/config.json
// and secrets live in $XDG_DATA_HOME/docqa/secrets.json.
//
// Environment variables (DOCQA_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Proxy.OpenRouterAPIKey == "" {
		if key, err := kc.Get(secretsService, "openrouter_api_key"); err == nil && key != "" {
			cfg.Proxy.OpenRouterAPIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.Answer.Provider {
	case ProviderOpenRouter:
		if cfg.Proxy.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. "+
				"Set it via environment variable DOCQA_OPENROUTER_API_KEY%s, "+
				"or set answer.provider to %q", apiKeyHint(), ProviderOllama)
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("invalid answer.provider %q: want %q or %q",
			cfg.Answer.Provider, ProviderOpenRouter, ProviderOllama)
	}
	if cfg.Answer.Model == "" {
		return fmt.Errorf("missing required config: answer.model")
	}
	if cfg.Index.Enabled && cfg.Index.EmbedModel == "" {
		return fmt.Errorf("missing required config: index.embed_model (or set index.enabled to false)")
	}
	if cfg.Queue.MaxRetryBackoff > 0 && cfg.Queue.MaxRetryBackoff < cfg.Queue.RetryBackoff {
		return fmt.Errorf("queue.max_retry_backoff (%s) is shorter than queue.retry_backoff (%s)",
			cfg.Queue.MaxRetryBackoff, cfg.Queue.RetryBackoff)
	}
	return nil
}
