package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const requestTimeout = 3 * time.Minute

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func userMessage(prompt string) []chatMessage {
	return []chatMessage{{Role: "user", Content: prompt}}
}

// StatusError is a non-200 reply from a provider endpoint.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: API returned %d: %s", e.Provider, e.Code, e.Body)
}

// Retryable reports whether another attempt could succeed. Rate limiting and
// server errors are transient; other client errors are not.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

type endpoint struct {
	name   string
	client *http.Client
}

func newEndpoint(name string) endpoint {
	return endpoint{name: name, client: &http.Client{Timeout: requestTimeout}}
}

// post sends in as JSON and decodes a 200 reply into out.
func (e endpoint) post(ctx context.Context, url, bearer string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", e.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Provider: e.name, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding reply: %w", e.name, err)
	}
	return nil
}
