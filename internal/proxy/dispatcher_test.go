package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// fakeAdapter is a minimal adapter.Adapter double whose per-call behavior is
// driven by a queue of canned responses, one consumed per ChatCompletion
// call. It lets dispatcher tests simulate a provider that fails N times then
// succeeds, without any real upstream.
type fakeAdapter struct {
	kind       adapter.Kind
	chatCalls  []*adapter.ChatRequest
	chatQueue  []chatOutcome
	streamErr  error
	streamChan chan adapter.StreamChunk
	embedErr   error
	embedOut   *adapter.EmbeddingsResult
}

type chatOutcome struct {
	res *adapter.ChatResult
	err error
}

func (f *fakeAdapter) Kind() adapter.Kind { return f.kind }

func (f *fakeAdapter) ChatCompletion(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResult, error) {
	f.chatCalls = append(f.chatCalls, req)
	if len(f.chatQueue) == 0 {
		return nil, errors.New("fakeAdapter: no more queued outcomes")
	}
	o := f.chatQueue[0]
	f.chatQueue = f.chatQueue[1:]
	return o.res, o.err
}

func (f *fakeAdapter) ChatCompletionStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.streamChan, nil
}

func (f *fakeAdapter) Embeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedOut, nil
}

func (f *fakeAdapter) ListModels(ctx context.Context) ([]adapter.ModelInfo, error) { return nil, nil }
func (f *fakeAdapter) HealthProbe(ctx context.Context) error                      { return nil }
func (f *fakeAdapter) DryRun(ctx context.Context) error                           { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func registryWith(t *testing.T, providersList ...*providers.Provider) *providers.Registry {
	t.Helper()
	reg := providers.NewRegistry()
	for _, p := range providersList {
		if err := reg.Put(p); err != nil {
			t.Fatalf("seed provider %s: %v", p.ID, err)
		}
	}
	return reg
}

func providerWithAdapter(id string, priority int, a adapter.Adapter) *providers.Provider {
	return &providers.Provider{
		ID:       id,
		Name:     id,
		Kind:     a.Kind(),
		Enabled:  true,
		Priority: priority,
		ModelMappings: []providers.ModelMapping{
			{ExternalID: "gpt-4", InternalID: id + "-internal", SupportsStreaming: true, SupportsEmbeddings: true},
		},
		Adapter: a,
	}
}

func TestDispatchChat_SucceedsOnFirstCandidate(t *testing.T) {
	fa := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{res: &adapter.ChatResult{ID: "x", Content: "hi"}, err: nil},
	}}
	reg := registryWith(t, providerWithAdapter("primary", 10, fa))
	cb := NewCircuitBreaker()
	d := NewDispatcher(reg, cb, nil, testLogger(), 3)

	res, providerID, attempts, err := d.DispatchChat(context.Background(), "gpt-4", &adapter.ChatRequest{RequestID: "r1"}, PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if providerID != "primary" {
		t.Errorf("expected primary, got %s", providerID)
	}
	if len(attempts) != 0 {
		t.Errorf("expected no failed attempts, got %d", len(attempts))
	}
	if res.Model != "gpt-4" {
		t.Errorf("expected external model id substituted back, got %q", res.Model)
	}
	if fa.chatCalls[0].Model != "primary-internal" {
		t.Errorf("expected internal model id substituted in request, got %q", fa.chatCalls[0].Model)
	}
}

func TestDispatchChat_FallsBackOnTransientError(t *testing.T) {
	failing := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{err: &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat", Err: errors.New("503")}},
	}}
	healthy := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{res: &adapter.ChatResult{ID: "y", Content: "hello"}},
	}}
	reg := registryWith(t,
		providerWithAdapter("flaky", 10, failing),
		providerWithAdapter("backup", 5, healthy),
	)
	cb := NewCircuitBreaker()
	d := NewDispatcher(reg, cb, nil, testLogger(), 3)

	res, providerID, attempts, err := d.DispatchChat(context.Background(), "gpt-4", &adapter.ChatRequest{RequestID: "r2"}, PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if providerID != "backup" {
		t.Errorf("expected fallback to backup, got %s", providerID)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected one failed attempt recorded, got %d", len(attempts))
	}
	if attempts[0].ProviderID != "flaky" {
		t.Errorf("expected failed attempt to be flaky, got %s", attempts[0].ProviderID)
	}
	if res.Content != "hello" {
		t.Errorf("unexpected content: %s", res.Content)
	}
}

func TestDispatchChat_StopsOnNonRetryableError(t *testing.T) {
	bad := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{err: &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat", Err: errors.New("invalid request")}},
	}}
	neverCalled := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{res: &adapter.ChatResult{ID: "z"}},
	}}
	reg := registryWith(t,
		providerWithAdapter("primary", 10, bad),
		providerWithAdapter("backup", 5, neverCalled),
	)
	cb := NewCircuitBreaker()
	d := NewDispatcher(reg, cb, nil, testLogger(), 3)

	_, _, attempts, err := d.DispatchChat(context.Background(), "gpt-4", &adapter.ChatRequest{RequestID: "r3"}, PriorityNormal)
	if err == nil {
		t.Fatal("expected error for non-retryable failure")
	}
	if len(attempts) != 1 {
		t.Errorf("expected exactly one attempt before stopping, got %d", len(attempts))
	}
	if len(neverCalled.chatCalls) != 0 {
		t.Error("backup provider should never have been called after a bad_request error")
	}
}

func TestDispatchChat_BadRequestDoesNotTripBreaker(t *testing.T) {
	bad := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{err: &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat", Err: errors.New("invalid request")}},
	}}
	reg := registryWith(t, providerWithAdapter("primary", 10, bad))
	cb := NewCircuitBreaker()
	d := NewDispatcher(reg, cb, nil, testLogger(), 3)

	_, _, _, err := d.DispatchChat(context.Background(), "gpt-4", &adapter.ChatRequest{RequestID: "r-badreq"}, PriorityNormal)
	if err == nil {
		t.Fatal("expected error for bad request")
	}
	if cb.State("primary") != cbClosed {
		t.Errorf("bad_request error must not trip the breaker (spec §4.3), got state %s", cb.StateLabel("primary"))
	}
}

func TestDispatchChat_TransientErrorTripsBreaker(t *testing.T) {
	failing := &fakeAdapter{kind: adapter.KindHTTPSDK}
	for i := 0; i < providers.CBErrorThreshold; i++ {
		failing.chatQueue = append(failing.chatQueue, chatOutcome{
			err: &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat", Err: errors.New("503")},
		})
	}
	reg := registryWith(t, providerWithAdapter("primary", 10, failing))
	cb := NewCircuitBreaker()
	d := NewDispatcher(reg, cb, nil, testLogger(), 1)

	for i := 0; i < providers.CBErrorThreshold; i++ {
		_, _, _, _ = d.DispatchChat(context.Background(), "gpt-4", &adapter.ChatRequest{RequestID: "r-transient"}, PriorityNormal)
	}
	if cb.State("primary") != cbOpen {
		t.Errorf("repeated transient_upstream errors should trip the breaker, got state %s", cb.StateLabel("primary"))
	}
}

func TestDispatchChat_RecordsAttemptNumber(t *testing.T) {
	failing := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{err: &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat", Err: errors.New("503")}},
	}}
	healthy := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{res: &adapter.ChatResult{ID: "y", Content: "hello"}},
	}}
	reg := registryWith(t,
		providerWithAdapter("flaky", 10, failing),
		providerWithAdapter("backup", 5, healthy),
	)
	cb := NewCircuitBreaker()
	d := NewDispatcher(reg, cb, nil, testLogger(), 3)

	_, _, attempts, err := d.DispatchChat(context.Background(), "gpt-4", &adapter.ChatRequest{RequestID: "r-attemptno"}, PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Attempt != 1 {
		t.Fatalf("expected first attempt numbered 1, got %+v", attempts)
	}
}

func TestDispatchChat_SkipsOpenBreaker(t *testing.T) {
	neverCalled := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{res: &adapter.ChatResult{ID: "unused"}},
	}}
	healthy := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{res: &adapter.ChatResult{ID: "ok"}},
	}}
	reg := registryWith(t,
		providerWithAdapter("tripped", 10, neverCalled),
		providerWithAdapter("backup", 5, healthy),
	)
	cb := NewCircuitBreaker()
	for i := 0; i < providers.CBErrorThreshold; i++ {
		cb.RecordFailure("tripped")
	}
	d := NewDispatcher(reg, cb, nil, testLogger(), 3)

	_, providerID, _, err := d.DispatchChat(context.Background(), "gpt-4", &adapter.ChatRequest{RequestID: "r4"}, PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if providerID != "backup" {
		t.Errorf("expected backup since tripped is open, got %s", providerID)
	}
	if len(neverCalled.chatCalls) != 0 {
		t.Error("tripped provider's adapter should never have been invoked")
	}
}

func TestDispatchChat_AllCandidatesExhausted(t *testing.T) {
	fa := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{err: &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat", Err: errors.New("503")}},
	}}
	reg := registryWith(t, providerWithAdapter("only", 10, fa))
	cb := NewCircuitBreaker()
	d := NewDispatcher(reg, cb, nil, testLogger(), 3)

	_, _, attempts, err := d.DispatchChat(context.Background(), "gpt-4", &adapter.ChatRequest{RequestID: "r5"}, PriorityNormal)
	if err == nil {
		t.Fatal("expected error when all candidates exhausted")
	}
	if len(attempts) != 1 {
		t.Errorf("expected one recorded attempt, got %d", len(attempts))
	}
}

func TestDispatchChat_UnknownModel(t *testing.T) {
	reg := providers.NewRegistry()
	cb := NewCircuitBreaker()
	d := NewDispatcher(reg, cb, nil, testLogger(), 3)

	_, _, _, err := d.DispatchChat(context.Background(), "no-such-model", &adapter.ChatRequest{RequestID: "r6"}, PriorityNormal)
	if err == nil {
		t.Fatal("expected ErrModelNotFound")
	}
	var notFound *providers.ErrModelNotFound
	if !errors.As(err, &notFound) {
		t.Errorf("expected ErrModelNotFound, got %T: %v", err, err)
	}
}

func TestDispatchChatStream_FallsBackBeforeFirstChunk(t *testing.T) {
	failing := &fakeAdapter{kind: adapter.KindHTTPSDK, streamErr: &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat_stream", Err: errors.New("connect refused")}}
	ch := make(chan adapter.StreamChunk, 1)
	ch <- adapter.StreamChunk{Content: "hi", FinishReason: "stop"}
	close(ch)
	healthy := &fakeAdapter{kind: adapter.KindHTTPSDK, streamChan: ch}

	reg := registryWith(t,
		providerWithAdapter("flaky", 10, failing),
		providerWithAdapter("backup", 5, healthy),
	)
	cb := NewCircuitBreaker()
	d := NewDispatcher(reg, cb, nil, testLogger(), 3)

	stream, providerID, err := d.DispatchChatStream(context.Background(), "gpt-4", &adapter.ChatRequest{RequestID: "r7", Stream: true}, PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if providerID != "backup" {
		t.Errorf("expected fallback to backup, got %s", providerID)
	}
	chunk := <-stream
	if chunk.Content != "hi" {
		t.Errorf("unexpected chunk content: %q", chunk.Content)
	}
}

func TestDispatchEmbeddings_Success(t *testing.T) {
	fa := &fakeAdapter{kind: adapter.KindHTTPSDK, embedOut: &adapter.EmbeddingsResult{
		Data: [][]float32{{0.1, 0.2}},
	}}
	reg := registryWith(t, providerWithAdapter("primary", 10, fa))
	cb := NewCircuitBreaker()
	d := NewDispatcher(reg, cb, nil, testLogger(), 3)

	res, providerID, err := d.DispatchEmbeddings(context.Background(), "gpt-4", &adapter.EmbeddingsRequest{RequestID: "r8", Input: []string{"hello"}}, PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if providerID != "primary" {
		t.Errorf("expected primary, got %s", providerID)
	}
	if res.Model != "gpt-4" {
		t.Errorf("expected external model substituted back, got %q", res.Model)
	}
}

func TestDispatchEmbeddings_SkipsProvidersWithoutEmbeddingSupport(t *testing.T) {
	fa := &fakeAdapter{kind: adapter.KindHTTPSDK}
	p := providerWithAdapter("chat-only", 10, fa)
	p.ModelMappings[0].SupportsEmbeddings = false
	reg := registryWith(t, p)
	cb := NewCircuitBreaker()
	d := NewDispatcher(reg, cb, nil, testLogger(), 3)

	_, _, err := d.DispatchEmbeddings(context.Background(), "gpt-4", &adapter.EmbeddingsRequest{RequestID: "r9", Input: []string{"x"}}, PriorityNormal)
	if err == nil {
		t.Fatal("expected ErrModelNotFound when no candidate supports embeddings")
	}
}

func TestAsAdapterError_PassesThroughAdapterError(t *testing.T) {
	orig := &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat", Err: errors.New("bad")}
	got := asAdapterError(orig)
	if got != orig {
		t.Error("expected passthrough of an existing *adapter.Error")
	}
}

func TestAsAdapterError_DeadlineExceeded(t *testing.T) {
	got := asAdapterError(context.DeadlineExceeded)
	if got.Kind != adapter.ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", got.Kind)
	}
}

func TestAsAdapterError_DefaultsToTransient(t *testing.T) {
	got := asAdapterError(errors.New("something unexpected"))
	if got.Kind != adapter.ErrTransientUpstream {
		t.Errorf("expected default ErrTransientUpstream, got %v", got.Kind)
	}
}

func TestKeyPriority_MapsApiKeyTierToQueuePriority(t *testing.T) {
	cases := []struct {
		apiKeyPriority int
		want           Priority
	}{
		{0, PriorityNormal},
		{1, PriorityHigh},
		{2, PriorityLow},
		{99, PriorityNormal},
	}
	for _, c := range cases {
		if got := KeyPriority(c.apiKeyPriority); got != c.want {
			t.Errorf("KeyPriority(%d) = %v, want %v", c.apiKeyPriority, got, c.want)
		}
	}
}

func TestDispatchChat_UsesQueueForAdmission(t *testing.T) {
	fa := &fakeAdapter{kind: adapter.KindHTTPSDK, chatQueue: []chatOutcome{
		{res: &adapter.ChatResult{ID: "x", Content: "hi"}},
	}}
	reg := registryWith(t, providerWithAdapter("primary", 10, fa))
	cb := NewCircuitBreaker()
	d := NewDispatcher(reg, cb, nil, testLogger(), 3)
	q := NewRequestQueue(QueueConfig{MaxConcurrent: 1, MaxQueueLen: 1}, nil)
	d.SetQueue(q)

	_, providerID, _, err := d.DispatchChat(context.Background(), "gpt-4", &adapter.ChatRequest{RequestID: "r10"}, PriorityHigh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if providerID != "primary" {
		t.Errorf("expected primary, got %s", providerID)
	}
}
