package httpsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

func newTestGeneric(srv *httptest.Server) *Generic {
	return New("mock-vendor", "mock-api-key", srv.URL)
}

func baseChatRequest() *adapter.ChatRequest {
	return &adapter.ChatRequest{
		Model:     "gpt-4o",
		Messages:  []adapter.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestGeneric_ChatCompletion_Success(t *testing.T) {
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o",
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "Hello, world!"},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	g := newTestGeneric(srv)
	res, err := g.ChatCompletion(context.Background(), baseChatRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", res.Content)
	}
	if res.Usage.PromptTokens != 10 || res.Usage.CompletionTokens != 5 {
		t.Errorf("unexpected usage: %+v", res.Usage)
	}
	if res.FinishReason != "stop" {
		t.Errorf("expected finish_reason 'stop', got %q", res.FinishReason)
	}
}

func TestGeneric_ChatCompletionStream_Success(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	req := baseChatRequest()
	req.Stream = true

	g := newTestGeneric(srv)
	ch, err := g.ChatCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content string
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		content += chunk.Content
	}
	if content != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", content)
	}
}

func TestGeneric_ChatCompletion_RateLimitClassifiedTransient(t *testing.T) {
	errBody := map[string]any{"error": map[string]any{"message": "Rate limit exceeded", "type": "rate_limit_error"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	g := newTestGeneric(srv)
	_, err := g.ChatCompletion(context.Background(), baseChatRequest())
	if err == nil {
		t.Fatal("expected error for 429")
	}
	aerr, ok := err.(*adapter.Error)
	if !ok {
		t.Fatalf("expected *adapter.Error, got %T", err)
	}
	if aerr.Kind != adapter.ErrTransientUpstream {
		t.Errorf("expected ErrTransientUpstream for 429, got %v", aerr.Kind)
	}
	if !aerr.Retryable() {
		t.Error("429 should be retryable")
	}
}

func TestGeneric_ChatCompletion_ServerErrorClassifiedTransient(t *testing.T) {
	errBody := map[string]any{"error": map[string]any{"message": "Service unavailable", "type": "server_error"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	g := newTestGeneric(srv)
	_, err := g.ChatCompletion(context.Background(), baseChatRequest())
	aerr, ok := err.(*adapter.Error)
	if !ok {
		t.Fatalf("expected *adapter.Error, got %T", err)
	}
	if aerr.Kind != adapter.ErrTransientUpstream {
		t.Errorf("expected ErrTransientUpstream for 503, got %v", aerr.Kind)
	}
}

func TestGeneric_ChatCompletion_BadRequestNotRetryable(t *testing.T) {
	errBody := map[string]any{"error": map[string]any{"message": "invalid request", "type": "invalid_request_error"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	g := newTestGeneric(srv)
	_, err := g.ChatCompletion(context.Background(), baseChatRequest())
	aerr, ok := err.(*adapter.Error)
	if !ok {
		t.Fatalf("expected *adapter.Error, got %T", err)
	}
	if aerr.Kind != adapter.ErrBadRequest {
		t.Errorf("expected ErrBadRequest for 400, got %v", aerr.Kind)
	}
	if aerr.Retryable() {
		t.Error("400 should not be retryable")
	}
}

func TestGeneric_Embeddings_Success(t *testing.T) {
	responseBody := map[string]any{
		"object": "list",
		"model":  "text-embedding-3-small",
		"data": []any{
			map[string]any{"index": 0, "embedding": []float64{0.1, 0.2, 0.3}},
		},
		"usage": map[string]any{"prompt_tokens": 3, "total_tokens": 3},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	g := newTestGeneric(srv)
	res, err := g.Embeddings(context.Background(), &adapter.EmbeddingsRequest{Model: "text-embedding-3-small", Input: []string{"hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Data) != 1 || len(res.Data[0]) != 3 {
		t.Errorf("unexpected embeddings shape: %+v", res.Data)
	}
}

func TestGeneric_Kind(t *testing.T) {
	g := New("vendor", "key", "")
	if g.Kind() != adapter.KindHTTPSDK {
		t.Errorf("expected KindHTTPSDK, got %v", g.Kind())
	}
}

func TestGeneric_ToSDKMessage_RoleMapping(t *testing.T) {
	for _, role := range []string{"system", "developer", "assistant", "user", "unexpected"} {
		msg := toSDKMessage(role, "x")
		if msg.OfDeveloper == nil && msg.OfSystem == nil && msg.OfAssistant == nil && msg.OfUser == nil {
			t.Errorf("toSDKMessage(%q) produced an empty union", role)
		}
	}
}

func TestStatusToKind(t *testing.T) {
	cases := map[int]adapter.ErrKind{
		http.StatusTooManyRequests:     adapter.ErrTransientUpstream,
		http.StatusInternalServerError: adapter.ErrTransientUpstream,
		http.StatusUnauthorized:        adapter.ErrBadRequest,
		http.StatusBadRequest:          adapter.ErrBadRequest,
		http.StatusRequestTimeout:      adapter.ErrTransientUpstream,
		http.StatusNotFound:            adapter.ErrBadRequest,
	}
	for status, want := range cases {
		if got := statusToKind(status); got != want {
			t.Errorf("statusToKind(%d) = %v, want %v", status, got, want)
		}
	}
}

var _ = strings.ToLower
