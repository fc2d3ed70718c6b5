package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCQA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "DOCQA_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCQA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DOCQA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "answer.provider", typ: kString, env: "DOCQA_ANSWER_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Answer.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Answer.Provider },
	},
	{
		key: "answer.model", typ: kString, env: "DOCQA_ANSWER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Answer.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Answer.Model },
	},
	{
		key: "answer.max_context_tokens", typ: kInt, env: "DOCQA_ANSWER_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Answer.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Answer.MaxContextTokens },
	},
	{
		key: "answer.temperature", typ: kFloat, env: "DOCQA_ANSWER_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Answer.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Answer.Temperature },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DOCQA_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "DOCQA_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "queue.debounce", typ: kDuration, env: "DOCQA_QUEUE_DEBOUNCE",
		apply:   func(cfg *Config, v any) { cfg.Queue.Debounce = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.Debounce },
	},
	{
		key: "queue.request_timeout", typ: kDuration, env: "DOCQA_QUEUE_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Queue.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.RequestTimeout },
	},
	{
		key: "queue.max_attempts", typ: kInt, env: "DOCQA_QUEUE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxAttempts },
	},
	{
		key: "queue.retry_backoff", typ: kDuration, env: "DOCQA_QUEUE_RETRY_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Queue.RetryBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.RetryBackoff },
	},
	{
		key: "queue.max_retry_backoff", typ: kDuration, env: "DOCQA_QUEUE_MAX_RETRY_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxRetryBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.MaxRetryBackoff },
	},
	{
		key: "index.enabled", typ: kBool, env: "DOCQA_INDEX_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Index.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Index.Enabled },
	},
	{
		key: "index.embed_model", typ: kString, env: "DOCQA_INDEX_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Index.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.EmbedModel },
	},
	{
		key: "index.top_k", typ: kInt, env: "DOCQA_INDEX_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Index.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.TopK },
	},
	{
		key: "index.poll_interval", typ: kDuration, env: "DOCQA_INDEX_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Index.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Index.PollInterval },
	},
}

// parse converts a raw string into the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat, kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			if pv, err := s.parse(v); err == nil {
				s.apply(cfg, pv)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		if v, err := s.parse(raw); err == nil {
			s.apply(cfg, v)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
		}
	}
}
