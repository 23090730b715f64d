package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

func TestProxy_ChatCompletion_ForwardsVerbatimAndInjectsAuth(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"p1","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, AuthMode: AuthBearer, Credential: "secret-token"})
	res, err := p.ChatCompletion(t.Context(), &adapter.ChatRequest{
		Model:    "gpt-4",
		Messages: []adapter.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected injected bearer auth, got %q", gotAuth)
	}
	if gotBody["model"] != "gpt-4" {
		t.Errorf("expected model forwarded verbatim, got %v", gotBody["model"])
	}
	if res.Content != "ok" {
		t.Errorf("unexpected content: %q", res.Content)
	}
}

func TestProxy_ChatCompletion_APIKeyAuthMode(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("api-key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"p2","choices":[{"index":0,"message":{"role":"assistant","content":"x"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, AuthMode: AuthAPIKey, Credential: "k-123"})
	_, err := p.ChatCompletion(t.Context(), &adapter.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "k-123" {
		t.Errorf("expected api-key header set, got %q", gotKey)
	}
}

func TestProxy_ChatCompletion_MapsUpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL})
	_, err := p.ChatCompletion(t.Context(), &adapter.ChatRequest{Model: "m"})
	aerr, ok := err.(*adapter.Error)
	if !ok {
		t.Fatalf("expected *adapter.Error, got %T", err)
	}
	if aerr.Kind != adapter.ErrTransientUpstream {
		t.Errorf("expected ErrTransientUpstream for 429, got %v", aerr.Kind)
	}
}

func TestProxy_Embeddings_ParsesOpenAIShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"embed-1","data":[{"embedding":[0.1,0.2]}],"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL})
	res, err := p.Embeddings(t.Context(), &adapter.EmbeddingsRequest{Model: "embed-1", Input: []string{"hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Data) != 1 || len(res.Data[0]) != 2 {
		t.Fatalf("unexpected data shape: %+v", res.Data)
	}
}
