package admin

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

type stubAdapter struct {
	kind      adapter.Kind
	dryRunErr error
}

func (a *stubAdapter) Kind() adapter.Kind { return a.kind }
func (a *stubAdapter) ChatCompletion(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResult, error) {
	return nil, nil
}
func (a *stubAdapter) ChatCompletionStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	return nil, nil
}
func (a *stubAdapter) Embeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	return nil, nil
}
func (a *stubAdapter) ListModels(ctx context.Context) ([]adapter.ModelInfo, error) { return nil, nil }
func (a *stubAdapter) HealthProbe(ctx context.Context) error                       { return nil }
func (a *stubAdapter) DryRun(ctx context.Context) error                           { return a.dryRunErr }

func newTestProvider(id string, a adapter.Adapter) *providers.Provider {
	return &providers.Provider{
		ID:      id,
		Name:    id,
		Kind:    a.Kind(),
		Enabled: true,
		Adapter: a,
		ModelMappings: []providers.ModelMapping{
			{ExternalID: "gpt-4", InternalID: id + "-internal"},
		},
	}
}

type fakeBreaker struct {
	resetCalls []string
	state      string
}

func (f *fakeBreaker) Reset(provider string)          { f.resetCalls = append(f.resetCalls, provider) }
func (f *fakeBreaker) StateLabel(provider string) string {
	if f.state == "" {
		return "closed"
	}
	return f.state
}

type fakePool struct {
	removed []string
}

func (f *fakePool) Remove(providerID string) { f.removed = append(f.removed, providerID) }

func TestSurface_RegisterProvider(t *testing.T) {
	reg := providers.NewRegistry()
	s := NewSurface(reg, nil, nil, nil)

	p := newTestProvider("p1", &stubAdapter{kind: adapter.KindHTTPSDK})
	if err := s.RegisterProvider(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reg.Exists("p1") {
		t.Error("expected provider to be registered")
	}
}

func TestSurface_RegisterProviderRejectsDuplicate(t *testing.T) {
	reg := providers.NewRegistry()
	s := NewSurface(reg, nil, nil, nil)
	p := newTestProvider("p1", &stubAdapter{kind: adapter.KindHTTPSDK})
	_ = s.RegisterProvider(context.Background(), p)

	if err := s.RegisterProvider(context.Background(), p); err == nil {
		t.Fatal("expected error registering a duplicate provider id")
	}
}

func TestSurface_UpdateProviderRequiresExisting(t *testing.T) {
	reg := providers.NewRegistry()
	s := NewSurface(reg, nil, nil, nil)
	p := newTestProvider("missing", &stubAdapter{kind: adapter.KindHTTPSDK})
	if err := s.UpdateProvider(context.Background(), p); err == nil {
		t.Fatal("expected error updating a provider that was never registered")
	}
}

func TestSurface_DeleteProviderEvictsPool(t *testing.T) {
	reg := providers.NewRegistry()
	pool := &fakePool{}
	s := NewSurface(reg, nil, nil, pool)
	p := newTestProvider("p1", &stubAdapter{kind: adapter.KindHTTPSDK})
	_ = s.RegisterProvider(context.Background(), p)

	if err := s.DeleteProvider(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Exists("p1") {
		t.Error("expected provider to be gone from registry")
	}
	if len(pool.removed) != 1 || pool.removed[0] != "p1" {
		t.Errorf("expected pool eviction for p1, got %v", pool.removed)
	}
}

func TestSurface_DisableProviderEvictsPoolButKeepsRecord(t *testing.T) {
	reg := providers.NewRegistry()
	pool := &fakePool{}
	s := NewSurface(reg, nil, nil, pool)
	p := newTestProvider("p1", &stubAdapter{kind: adapter.KindHTTPSDK})
	_ = s.RegisterProvider(context.Background(), p)

	if err := s.DisableProvider(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := reg.Get("p1")
	if !ok {
		t.Fatal("expected provider record to survive disable")
	}
	if got.Enabled {
		t.Error("expected provider to be disabled")
	}
	if len(pool.removed) != 1 {
		t.Errorf("expected pool eviction on disable, got %v", pool.removed)
	}
}

func TestSurface_EnableProvider(t *testing.T) {
	reg := providers.NewRegistry()
	s := NewSurface(reg, nil, nil, nil)
	p := newTestProvider("p1", &stubAdapter{kind: adapter.KindHTTPSDK})
	p.Enabled = false
	_ = reg.Put(p)

	if err := s.EnableProvider(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := reg.Get("p1")
	if !got.Enabled {
		t.Error("expected provider to be enabled")
	}
}

func TestSurface_TestConnectionSuccess(t *testing.T) {
	reg := providers.NewRegistry()
	s := NewSurface(reg, nil, nil, nil)
	p := newTestProvider("p1", &stubAdapter{kind: adapter.KindHTTPSDK})
	_ = reg.Put(p)

	if err := s.TestConnection(context.Background(), "p1", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSurface_TestConnectionPropagatesAdapterError(t *testing.T) {
	reg := providers.NewRegistry()
	s := NewSurface(reg, nil, nil, nil)
	p := newTestProvider("p1", &stubAdapter{kind: adapter.KindHTTPSDK, dryRunErr: errors.New("unreachable")})
	_ = reg.Put(p)

	if err := s.TestConnection(context.Background(), "p1", 0); err == nil {
		t.Fatal("expected dry-run error to propagate")
	}
}

func TestSurface_TestConnectionUnknownProvider(t *testing.T) {
	reg := providers.NewRegistry()
	s := NewSurface(reg, nil, nil, nil)
	if err := s.TestConnection(context.Background(), "ghost", 0); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestSurface_ResetBreaker(t *testing.T) {
	reg := providers.NewRegistry()
	fb := &fakeBreaker{}
	s := NewSurface(reg, nil, fb, nil)
	p := newTestProvider("p1", &stubAdapter{kind: adapter.KindHTTPSDK})
	_ = reg.Put(p)

	if err := s.ResetBreaker("p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fb.resetCalls) != 1 || fb.resetCalls[0] != "p1" {
		t.Errorf("expected breaker reset for p1, got %v", fb.resetCalls)
	}
}

func TestSurface_ResetBreakerUnknownProvider(t *testing.T) {
	reg := providers.NewRegistry()
	fb := &fakeBreaker{}
	s := NewSurface(reg, nil, fb, nil)
	if err := s.ResetBreaker("ghost"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestSurface_ListProviders(t *testing.T) {
	reg := providers.NewRegistry()
	fb := &fakeBreaker{state: "open"}
	s := NewSurface(reg, nil, fb, nil)
	_ = reg.Put(newTestProvider("p1", &stubAdapter{kind: adapter.KindHTTPSDK}))

	list := s.ListProviders()
	if len(list) != 1 {
		t.Fatalf("expected one provider summary, got %d", len(list))
	}
	if list[0].BreakerState != "open" {
		t.Errorf("expected breaker state open, got %s", list[0].BreakerState)
	}
}
