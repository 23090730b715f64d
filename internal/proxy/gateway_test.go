package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/normalize"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// --- helpers ----------------------------------------------------------------

// stubCache is a simple in-memory cache for tests.
type stubCache struct {
	store map[string][]byte
}

func newStubCache() *stubCache {
	return &stubCache{store: make(map[string][]byte)}
}

func (c *stubCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.store[key]
	return v, ok
}

func (c *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.store[key] = value
	return nil
}

func (c *stubCache) Delete(_ context.Context, key string) error {
	delete(c.store, key)
	return nil
}

// okRegistry builds a single-provider registry whose adapter always succeeds
// with one canned chat response, using the chat-completions model "gpt-4o".
func okRegistry(t *testing.T) *providers.Registry {
	t.Helper()
	fa := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{res: &adapter.ChatResult{
			ID: "resp-1", Content: "hello from openai", FinishReason: "stop",
			Usage: adapter.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}},
	}}
	p := providerWithAdapter("openai", 10, fa)
	p.ModelMappings[0].ExternalID = "gpt-4o"
	p.ModelMappings[0].InternalID = "gpt-4o-internal"
	p.ModelMappings[0].MaxOutputTokens = 4096
	return registryWith(t, p)
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's chat-completions route wired through the usual middleware chain.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := applyMiddleware(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/v1/chat/completions", "/v1/completions":
				gw.dispatchChat(ctx)
			case "/v1/models":
				gw.dispatchModels(ctx)
			default:
				ctx.SetStatusCode(404)
			}
		},
		recovery,
		requestID,
		timing,
	)

	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// --- constructor tests -------------------------------------------------------

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewGateway(nil, nil, nil)
}

func TestNewGateway_NilRegistryAndCache(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	if gw == nil {
		t.Fatal("expected non-nil gateway")
	}
	if gw.health == nil {
		t.Error("health checker should always be constructed, even with an empty registry")
	}
	gw.health.Close()
}

func TestNewGateway_WithProviders(t *testing.T) {
	reg := okRegistry(t)
	gw := NewGateway(context.Background(), reg, nil)
	if gw.health == nil {
		t.Error("health checker should be created when providers exist")
	}
	gw.health.Close()
}

func TestNewGatewayWithProbes_CacheReadyProbe(t *testing.T) {
	reg := okRegistry(t)
	gw := NewGatewayWithProbes(context.Background(), reg, nil, func() bool { return true })
	if gw == nil {
		t.Fatal("expected non-nil gateway")
	}
	gw.health.Close()
}

// --- setters ------------------------------------------------------------------

func TestGateway_Setters(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	defer gw.health.Close()

	gw.SetRateLimiters(nil)
	if gw.rpmLimiter != nil {
		t.Error("expected nil rpm limiter")
	}

	gw.SetTokenLimiter(nil)
	if gw.tokenLimiter != nil {
		t.Error("expected nil token limiter")
	}

	gw.SetDDoSShield(nil)
	if gw.ddos != nil {
		t.Error("expected nil ddos shield")
	}

	gw.SetApiKeyStore(nil)
	if gw.apiKeyStore != nil {
		t.Error("expected nil api key store")
	}

	gw.SetLogger(nil)
	if gw.reqLogger != nil {
		t.Error("expected nil logger")
	}

	gw.SetCacheExclusions(nil)
	if gw.cacheExclusions != nil {
		t.Error("expected nil exclusions")
	}

	gw.SetCORSOrigins([]string{"https://example.com"})
	if len(gw.corsOrigins) != 1 || gw.corsOrigins[0] != "https://example.com" {
		t.Error("CORS origins not set correctly")
	}
}

// --- dispatchChat: validation tests (no real server needed) ------------------

func TestDispatchChat_InvalidJSON(t *testing.T) {
	gw := NewGateway(context.Background(), okRegistry(t), nil)
	defer gw.health.Close()

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{invalid`))
	ctx.SetUserValue("request_id", "mock-1")

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestDispatchChat_MissingModel(t *testing.T) {
	gw := NewGateway(context.Background(), okRegistry(t), nil)
	defer gw.health.Close()

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "mock-2")

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !contains(body, "model") {
		t.Errorf("error should mention 'model', got: %s", body)
	}
}

func TestDispatchChat_UnknownModel(t *testing.T) {
	gw := NewGateway(context.Background(), providers.NewRegistry(), nil)
	defer gw.health.Close()

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"no-such-model","messages":[{"role":"user","content":"hi"}]}`))
	ctx.Request.Header.Set("Authorization", "Bearer test-token")
	ctx.SetUserValue("request_id", "mock-3")

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

// --- dispatchChat: tests through a real in-memory server ---------------------

func TestDispatchChat_Success(t *testing.T) {
	gw := NewGateway(context.Background(), okRegistry(t), nil)
	defer gw.health.Close()

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out normalize.ChatEnvelope
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("expected object=chat.completion, got %s", out.Object)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(out.Choices))
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("expected finish_reason=stop, got %s", out.Choices[0].FinishReason)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens=15, got %d", out.Usage.TotalTokens)
	}
	if resp.Header.Get("X-Cache") != xCacheMISS {
		t.Errorf("expected X-Cache=MISS on first request")
	}
}

func TestDispatchChat_CacheHit(t *testing.T) {
	sc := newStubCache()
	fa := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{res: &adapter.ChatResult{ID: "r1", Content: "cached response", FinishReason: "stop"}},
	}}
	p := providerWithAdapter("openai", 10, fa)
	p.ModelMappings[0].ExternalID = "gpt-4o"
	reg := registryWith(t, p)

	gw := NewGateway(context.Background(), reg, sc)
	defer gw.health.Close()

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	reqBody := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"cached"}]}`)

	resp1 := doPost(t, client, "/v1/chat/completions", reqBody)
	readBody(t, resp1)
	if resp1.Header.Get("X-Cache") != xCacheMISS {
		t.Error("first request should be a cache MISS")
	}

	resp2 := doPost(t, client, "/v1/chat/completions", reqBody)
	readBody(t, resp2)
	if resp2.Header.Get("X-Cache") != xCacheHIT {
		t.Error("second request should be a cache HIT")
	}
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on cache hit, got %d", resp2.StatusCode)
	}
}

func TestDispatchChat_CacheExcludedModel(t *testing.T) {
	sc := newStubCache()
	fa := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{res: &adapter.ChatResult{ID: "r1", Content: "a"}},
		{res: &adapter.ChatResult{ID: "r2", Content: "b"}},
	}}
	p := providerWithAdapter("openai", 10, fa)
	p.ModelMappings[0].ExternalID = "gpt-4o"
	reg := registryWith(t, p)

	gw := NewGateway(context.Background(), reg, sc)
	defer gw.health.Close()

	el, err := cache.NewExclusionList([]string{"gpt-4o"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	gw.SetCacheExclusions(el)

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	reqBody := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"no-cache"}]}`)

	resp1 := doPost(t, client, "/v1/chat/completions", reqBody)
	readBody(t, resp1)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp1.StatusCode)
	}

	resp2 := doPost(t, client, "/v1/chat/completions", reqBody)
	readBody(t, resp2)
	if resp2.Header.Get("X-Cache") == xCacheHIT {
		t.Error("excluded model should never produce a cache HIT")
	}
}

func TestDispatchChat_ProviderError(t *testing.T) {
	fa := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{err: &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat", Err: errNotReally("service unavailable")}},
	}}
	p := providerWithAdapter("openai", 10, fa)
	p.ModelMappings[0].ExternalID = "gpt-4o"
	reg := registryWith(t, p)

	gw := NewGateway(context.Background(), reg, nil)
	defer gw.health.Close()

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"fail"}]}`))
	readBody(t, resp)

	if resp.StatusCode == http.StatusOK {
		t.Error("expected non-200 status when provider fails")
	}
}

func TestDispatchChat_StreamingResponse(t *testing.T) {
	ch := make(chan adapter.StreamChunk, 3)
	ch <- adapter.StreamChunk{Content: "hello "}
	ch <- adapter.StreamChunk{Content: "world"}
	ch <- adapter.StreamChunk{Content: "", FinishReason: "stop"}
	close(ch)
	fa := &fakeAdapter{kind: adapter.KindHTTPSDK, streamChan: ch}
	p := providerWithAdapter("openai", 10, fa)
	p.ModelMappings[0].ExternalID = "gpt-4o"
	reg := registryWith(t, p)

	gw := NewGateway(context.Background(), reg, nil)
	defer gw.health.Close()

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"stream"}],"stream":true}`))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	ct := resp.Header.Get("Content-Type")
	if !contains(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream content type, got %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 5 && line[:5] == "data:" {
			dataLines = append(dataLines, line[6:])
		}
	}

	if len(dataLines) == 0 {
		t.Fatal("expected at least one data line in SSE stream")
	}
	last := dataLines[len(dataLines)-1]
	if last != "[DONE]" {
		t.Errorf("expected last SSE line to be [DONE], got %q", last)
	}
}

// --- dispatchModels -----------------------------------------------------------

func TestDispatchModels_ListsResolvableIDs(t *testing.T) {
	gw := NewGateway(context.Background(), okRegistry(t), nil)
	defer gw.health.Close()

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	req, _ := http.NewRequest("GET", "http://test/v1/models", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Object != "list" {
		t.Errorf("expected object=list, got %s", out.Object)
	}
	found := false
	for _, m := range out.Data {
		if m.ID == "gpt-4o" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected gpt-4o in model list, got %+v", out.Data)
	}
}

// --- buildCacheKey tests ------------------------------------------------------

func sampleMsgs(content string) []adapter.Message {
	return []adapter.Message{{Role: "user", Content: content}}
}

func TestBuildCacheKey_Deterministic(t *testing.T) {
	key1 := buildCacheKey("gpt-4o", "key-1", 0.7, 100, sampleMsgs("hello"))
	key2 := buildCacheKey("gpt-4o", "key-1", 0.7, 100, sampleMsgs("hello"))

	if key1 != key2 {
		t.Errorf("cache key should be deterministic: %s != %s", key1, key2)
	}
	if !contains(key1, "cache:") {
		t.Errorf("cache key should have prefix 'cache:', got %s", key1)
	}
}

func TestBuildCacheKey_DifferentModels(t *testing.T) {
	k1 := buildCacheKey("gpt-4o", "key-1", 0.5, 0, sampleMsgs("hi"))
	k2 := buildCacheKey("claude-3-opus", "key-1", 0.5, 0, sampleMsgs("hi"))
	if k1 == k2 {
		t.Error("different models should produce different cache keys")
	}
}

func TestBuildCacheKey_DifferentMessages(t *testing.T) {
	k1 := buildCacheKey("gpt-4o", "key-1", 0, 0, sampleMsgs("hello"))
	k2 := buildCacheKey("gpt-4o", "key-1", 0, 0, sampleMsgs("world"))
	if k1 == k2 {
		t.Error("different messages should produce different cache keys")
	}
}

func TestBuildCacheKey_DifferentAPIKeys(t *testing.T) {
	k1 := buildCacheKey("gpt-4o", "key-a", 0, 0, sampleMsgs("hi"))
	k2 := buildCacheKey("gpt-4o", "key-b", 0, 0, sampleMsgs("hi"))
	if k1 == k2 {
		t.Error("different API key ids should produce different cache keys")
	}
}

func TestBuildCacheKey_DifferentTemperatures(t *testing.T) {
	k1 := buildCacheKey("gpt-4o", "key-1", 0.0, 0, sampleMsgs("hi"))
	k2 := buildCacheKey("gpt-4o", "key-1", 1.0, 0, sampleMsgs("hi"))
	if k1 == k2 {
		t.Error("different temperatures should produce different cache keys")
	}
}

func TestBuildCacheKey_DifferentMaxTokens(t *testing.T) {
	k1 := buildCacheKey("gpt-4o", "key-1", 0, 100, sampleMsgs("hi"))
	k2 := buildCacheKey("gpt-4o", "key-1", 0, 200, sampleMsgs("hi"))
	if k1 == k2 {
		t.Error("different max_tokens should produce different cache keys")
	}
}

// --- writeDispatchError / writeResolveError -----------------------------------

func TestWriteDispatchError_AdapterErrorMapsToKind(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	defer gw.health.Close()

	ctx := &fasthttp.RequestCtx{}
	gw.writeDispatchError(ctx, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat", Err: errNotReally("bad")}, "req-1")
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestWriteDispatchError_DeadlineExceeded(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	defer gw.health.Close()

	ctx := &fasthttp.RequestCtx{}
	gw.writeDispatchError(ctx, context.DeadlineExceeded, "req-2")
	if ctx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", ctx.Response.StatusCode())
	}
}

func TestWriteDispatchError_GenericError(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	defer gw.health.Close()

	ctx := &fasthttp.RequestCtx{}
	gw.writeDispatchError(ctx, errNotReally("unexpected"), "req-3")
	if ctx.Response.StatusCode() != fasthttp.StatusBadGateway {
		t.Errorf("expected 502, got %d", ctx.Response.StatusCode())
	}
}

// --- logRequest nil-safe mock --------------------------------------------------

func TestLogRequest_NilLogger(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	defer gw.health.Close()
	// Should not panic when logger is nil.
	gw.logRequest("req-1", "openai", "gpt-4o", "key-1", 1, 10, 5, 12, time.Millisecond, 200, false)
}

// errNotReally is a trivial error type so tests don't need to import "errors"
// just to build one static message.
type errNotReally string

func (e errNotReally) Error() string { return string(e) }
