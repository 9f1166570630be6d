package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider runs prompts against a local Ollama server.
type OllamaProvider struct {
	Model   string
	BaseURL string
	api     endpoint
}

func NewOllamaProvider(model, baseURL string) *OllamaProvider {
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		api:     newEndpoint("ollama"),
	}
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  struct {
		NumPredict  int     `json:"num_predict"`
		Temperature float64 `json:"temperature"`
	} `json:"options"`
}

type ollamaReply struct {
	Message chatMessage `json:"message"`
}

// IsConfigured reports whether the server answers and has the model pulled.
// Tags are compared without their ":size" suffix.
func (o *OllamaProvider) IsConfigured() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.api.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if json.NewDecoder(resp.Body).Decode(&tags) != nil {
		return false
	}
	family, _, _ := strings.Cut(o.Model, ":")
	for _, m := range tags.Models {
		if strings.Contains(m.Name, family) {
			return true
		}
	}
	slog.Warn("model not pulled in ollama", "component", "llm", "model", o.Model)
	return false
}

func (o *OllamaProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	in := ollamaRequest{Model: o.Model, Messages: userMessage(prompt)}
	in.Options.NumPredict = maxTokens
	in.Options.Temperature = temperature

	var out ollamaReply
	if err := o.api.post(ctx, o.BaseURL+"/api/chat", "", in, &out); err != nil {
		return "", err
	}
	return out.Message.Content, nil
}
