package llm

import (
	"context"
	"log/slog"
	"strings"
)

// Provider generates text for a prompt.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	IsConfigured() bool
}

// Settings selects and configures a provider.
type Settings struct {
	Provider      string
	Model         string
	OllamaURL     string
	OpenAIModel   string
	OpenAIBaseURL string
	APIKey        string
}

// temperature keeps extraction output close to deterministic.
const temperature = 0.2

// CreateProvider returns the first usable provider. A local Ollama model is
// preferred when selected; the OpenAI-compatible endpoint is the fallback.
// It returns nil when neither is usable, and analysis then relies on the
// rating-based fallbacks alone.
func CreateProvider(s Settings) Provider {
	log := slog.With("component", "llm")

	if strings.EqualFold(s.Provider, "ollama") {
		local := NewOllamaProvider(s.Model, s.OllamaURL)
		if local.IsConfigured() {
			log.Info("model provider selected", "provider", "ollama", "model", s.Model)
			return local
		}
		log.Warn("ollama unreachable or model missing, falling back", "url", local.BaseURL)
	}

	remote := NewOpenAIProvider(s.OpenAIModel, s.OpenAIBaseURL, s.APIKey)
	if remote.IsConfigured() {
		log.Info("model provider selected", "provider", "openai", "model", s.OpenAIModel, "base_url", remote.BaseURL)
		return remote
	}

	log.Warn("no model provider available; themes and brief will use fallbacks")
	return nil
}
