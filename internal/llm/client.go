package llm

import (
	"context"
	"fmt"

	"github.com/lazypower/diarist/internal/config"
)

// Client is the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (*Response, error)
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	Model      string
	TokensUsed int
}

// SystemPrompt is sent with every completion. All callers expect a single
// JSON object back.
const SystemPrompt = "You are a strict JSON engine. Reply with exactly one JSON object and no other text."

// Default models per provider.
const (
	DefaultOllamaModel    = "llama3.2"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-haiku-4-5-20251001"
)

const defaultOllamaURL = "http://localhost:11434"

type provider struct {
	model    string
	needsKey bool
	build    func(cfg config.ProviderConfig) Client
}

var providers = map[string]provider{
	"ollama": {
		model: DefaultOllamaModel,
		build: func(cfg config.ProviderConfig) Client {
			url := cfg.BaseURL
			if url == "" {
				url = defaultOllamaURL
			}
			return NewOllama(url, cfg.Model)
		},
	},
	"openai": {
		model:    DefaultOpenAIModel,
		needsKey: true,
		build: func(cfg config.ProviderConfig) Client {
			return NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model)
		},
	},
	"anthropic": {
		model:    DefaultAnthropicModel,
		needsKey: true,
		build: func(cfg config.ProviderConfig) Client {
			return NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Model)
		},
	},
}

// NewClient builds the client for cfg.Provider, filling in its default model.
// Hosted providers refuse to start without an API key.
func NewClient(cfg config.ProviderConfig) (Client, error) {
	p, ok := providers[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
	if p.needsKey && cfg.APIKey == "" {
		return nil, fmt.Errorf("%s provider requires an API key", cfg.Provider)
	}
	if cfg.Model == "" {
		cfg.Model = p.model
	}
	return p.build(cfg), nil
}
