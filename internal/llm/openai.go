package llm

import (
	"context"
	"errors"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider talks to an OpenAI-compatible chat completions API such as
// OpenAI, Groq, vLLM or LM Studio.
type OpenAIProvider struct {
	Model   string
	BaseURL string
	APIKey  string
	api     endpoint
}

func NewOpenAIProvider(model, baseURL, apiKey string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		api:     newEndpoint("openai"),
	}
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type completionReply struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *OpenAIProvider) IsConfigured() bool { return o.APIKey != "" }

func (o *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if !o.IsConfigured() {
		return "", errors.New("openai: API key not configured")
	}
	in := completionRequest{
		Model:       o.Model,
		Messages:    userMessage(prompt),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	var out completionReply
	if err := o.api.post(ctx, o.BaseURL+"/chat/completions", o.APIKey, in, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New("openai: reply had no choices")
	}
	return out.Choices[0].Message.Content, nil
}
