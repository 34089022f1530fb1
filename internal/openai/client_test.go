package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateChatCompletionParsesUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(ChatResponse{
			ID:    "chatcmpl-1",
			Model: req.Model,
			Choices: []Choice{
				{Message: ChatMessage{Role: "assistant", Content: "pong"}, FinishReason: "stop"},
			},
			Usage: &Usage{PromptTokens: 7, CompletionTokens: 1, TotalTokens: 8},
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "test-key"})
	resp, raw, err := client.CreateChatCompletion(context.Background(), ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatMessage{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if raw.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", raw.StatusCode)
	}
	if resp.FirstText() != "pong" {
		t.Fatalf("unexpected content %q", resp.FirstText())
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 7 {
		t.Fatalf("usage not parsed: %+v", resp.Usage)
	}
}

func TestCreateChatCompletionMissingUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"chatcmpl-2","choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	resp, _, err := client.CreateChatCompletion(context.Background(), ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if resp.Usage != nil {
		t.Fatalf("expected nil usage when provider omits it, got %+v", resp.Usage)
	}
}

func TestAPIErrorClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, raw, err := client.CreateChatCompletion(context.Background(), ChatRequest{Model: "m"})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if raw == nil || raw.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("raw response not preserved: %+v", raw)
	}
	apiErr, ok := IsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if !apiErr.Retryable() {
		t.Fatal("429 must be retryable")
	}
	if apiErr.Envelope.Error.Message != "slow down" {
		t.Fatalf("envelope not parsed: %+v", apiErr.Envelope)
	}
}

func TestAPIErrorTerminalStatuses(t *testing.T) {
	for status, retryable := range map[int]bool{
		http.StatusUnauthorized:        false,
		http.StatusBadRequest:          false,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
	} {
		err := &APIError{StatusCode: status}
		if err.Retryable() != retryable {
			t.Errorf("status %d: retryable = %t, want %t", status, err.Retryable(), retryable)
		}
	}
}
