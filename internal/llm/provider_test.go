package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		var in ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if in.Model != "qwen2.5:7b" || in.Stream || in.Options.NumPredict != 100 {
			t.Errorf("unexpected request %+v", in)
		}
		if len(in.Messages) != 1 || in.Messages[0].Content != "hi" {
			t.Errorf("unexpected messages %+v", in.Messages)
		}
		w.Write([]byte(`{"message":{"role":"assistant","content":"hello"}}`))
	}))
	defer srv.Close()

	got, err := NewOllamaProvider("qwen2.5:7b", srv.URL+"/").Generate(context.Background(), "hi", 100)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "hello" {
		t.Errorf("Generate = %q, want hello", got)
	}
}

func TestOllamaModelLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"qwen2.5:7b"}]}`))
	}))
	defer srv.Close()

	for model, want := range map[string]bool{
		"qwen2.5:7b":  true,
		"qwen2.5:14b": true,
		"llama3":      false,
	} {
		if got := NewOllamaProvider(model, srv.URL).IsConfigured(); got != want {
			t.Errorf("IsConfigured(%s) = %v, want %v", model, got, want)
		}
	}
	if NewOllamaProvider("qwen2.5", "http://127.0.0.1:1").IsConfigured() {
		t.Error("unreachable server reported as configured")
	}
}

func TestOpenAICompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var in completionRequest
		json.NewDecoder(r.Body).Decode(&in)
		if in.MaxTokens != 64 || in.Temperature != temperature {
			t.Errorf("unexpected request %+v", in)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"brief"}}]}`))
	}))
	defer srv.Close()

	got, err := NewOpenAIProvider("llama-3.1-8b-instant", srv.URL+"/v1", "sk-test").Generate(context.Background(), "hi", 64)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "brief" {
		t.Errorf("Generate = %q, want brief", got)
	}
}

func TestOpenAIStatusErrors(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.code)
		}))
		_, err := NewOpenAIProvider("m", srv.URL, "sk-test").Generate(context.Background(), "hi", 10)
		srv.Close()

		var status *StatusError
		if !errors.As(err, &status) {
			t.Fatalf("%d: expected StatusError, got %v", tc.code, err)
		}
		if status.Code != tc.code || status.Body != "nope" || status.Provider != "openai" {
			t.Errorf("%d: unexpected error %+v", tc.code, status)
		}
		if status.Retryable() != tc.retryable {
			t.Errorf("%d: Retryable = %v", tc.code, status.Retryable())
		}
	}
}

func TestOpenAIWithoutKey(t *testing.T) {
	p := NewOpenAIProvider("m", "", "")
	if p.IsConfigured() {
		t.Error("provider without key reported as configured")
	}
	if p.BaseURL != defaultOpenAIBaseURL {
		t.Errorf("BaseURL = %q", p.BaseURL)
	}
	if _, err := p.Generate(context.Background(), "hi", 10); err == nil {
		t.Error("expected error without key")
	}
}

func TestCreateProviderFallsBack(t *testing.T) {
	s := Settings{Provider: "ollama", Model: "qwen2.5", OllamaURL: "http://127.0.0.1:1", OpenAIModel: "m"}
	if p := CreateProvider(s); p != nil {
		t.Errorf("expected nil provider, got %T", p)
	}
	s.APIKey = "sk-test"
	if _, ok := CreateProvider(s).(*OpenAIProvider); !ok {
		t.Error("expected OpenAI-compatible fallback")
	}
}

type countingProvider struct {
	calls atomic.Int32
}

func (c *countingProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	c.calls.Add(1)
	return "ok", nil
}

func (c *countingProvider) IsConfigured() bool { return true }

func TestWithRateLimit(t *testing.T) {
	inner := &countingProvider{}
	if WithRateLimit(inner, 0) != Provider(inner) {
		t.Error("unlimited provider should be returned unchanged")
	}
	if WithRateLimit(nil, 5) != nil {
		t.Error("nil provider should stay nil")
	}

	limited := WithRateLimit(inner, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := limited.Generate(ctx, "a", 1); err != nil {
		t.Fatalf("first call should use the burst token: %v", err)
	}
	if _, err := limited.Generate(ctx, "b", 1); err == nil {
		t.Error("second call should hit the deadline while waiting")
	}
	if n := inner.calls.Load(); n != 1 {
		t.Errorf("delegated %d calls, want 1", n)
	}
}
