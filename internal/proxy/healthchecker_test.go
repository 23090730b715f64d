package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewHealthChecker(nil, nil, nil, nil)
}

func TestNewHealthChecker_EmptyRegistry(t *testing.T) {
	hc := NewHealthChecker(context.Background(), providers.NewRegistry(), nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("expected status=ok for an empty registry, got %s", snap.Status)
	}
	if len(snap.Providers) != 0 {
		t.Errorf("expected no providers, got %+v", snap.Providers)
	}
}

func TestHealthChecker_HealthyProvider(t *testing.T) {
	fa := &fakeAdapter{kind: adapter.KindHTTPSDK}
	reg := registryWith(t, providerWithAdapter("openai", 10, fa))

	hc := NewHealthChecker(context.Background(), reg, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if got := snap.Providers["openai"]; got != "ok" {
		t.Errorf("expected provider status=ok, got %s", got)
	}
}

func TestHealthChecker_DegradedProvider(t *testing.T) {
	fa := &failingHealthAdapter{kind: adapter.KindHTTPSDK}
	reg := registryWith(t, providerWithAdapter("broken", 10, fa))

	hc := NewHealthChecker(context.Background(), reg, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected status=degraded, got %s", snap.Status)
	}
	if got := snap.Providers["broken"]; got != "degraded" {
		t.Errorf("expected provider status=degraded, got %s", got)
	}
}

func TestHealthChecker_DisabledProviderSkipped(t *testing.T) {
	fa := &failingHealthAdapter{kind: adapter.KindHTTPSDK}
	p := providerWithAdapter("disabled-one", 10, fa)
	p.Enabled = false
	reg := registryWith(t, p)

	hc := NewHealthChecker(context.Background(), reg, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if _, ok := snap.Providers["disabled-one"]; ok {
		t.Error("disabled provider should not be probed or reported")
	}
	if snap.Status != "ok" {
		t.Errorf("expected overall status=ok when only a disabled provider is unhealthy, got %s", snap.Status)
	}
}

func TestHealthChecker_CacheReadyProbe(t *testing.T) {
	calls := 0
	cacheReady := func() bool {
		calls++
		return false
	}
	hc := NewHealthChecker(context.Background(), providers.NewRegistry(), cacheReady, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Cache != "degraded" {
		t.Errorf("expected cache=degraded, got %s", snap.Cache)
	}
	if calls == 0 {
		t.Error("expected cacheReady to be invoked during probe")
	}
}

func TestHealthChecker_ReadinessOK(t *testing.T) {
	hc := NewHealthChecker(context.Background(), providers.NewRegistry(), nil, nil)
	defer hc.Close()

	if !hc.ReadinessOK() {
		t.Error("expected readiness ok with no db dependency configured")
	}
}

func TestHealthChecker_SnapshotReflectsLatestProbe(t *testing.T) {
	reg := providers.NewRegistry()
	hc := NewHealthChecker(context.Background(), reg, nil, nil)
	defer hc.Close()

	if len(hc.Snapshot().Providers) != 0 {
		t.Fatal("expected no providers before any are registered")
	}

	fa := &fakeAdapter{kind: adapter.KindHTTPSDK}
	if err := reg.Put(providerWithAdapter("late-added", 10, fa)); err != nil {
		t.Fatal(err)
	}
	hc.probe()

	if got := hc.Snapshot().Providers["late-added"]; got != "ok" {
		t.Errorf("expected late-added provider to show up as ok after a fresh probe, got %s", got)
	}
}

// failingHealthAdapter always fails HealthProbe.
type failingHealthAdapter struct {
	kind adapter.Kind
}

func (f *failingHealthAdapter) Kind() adapter.Kind { return f.kind }
func (f *failingHealthAdapter) ChatCompletion(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResult, error) {
	return nil, errors.New("not implemented")
}
func (f *failingHealthAdapter) ChatCompletionStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	return nil, errors.New("not implemented")
}
func (f *failingHealthAdapter) Embeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	return nil, errors.New("not implemented")
}
func (f *failingHealthAdapter) ListModels(ctx context.Context) ([]adapter.ModelInfo, error) {
	return nil, nil
}
func (f *failingHealthAdapter) HealthProbe(ctx context.Context) error { return errors.New("down") }
func (f *failingHealthAdapter) DryRun(ctx context.Context) error      { return nil }
