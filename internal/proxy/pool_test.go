package proxy

import (
	"testing"
	"time"
)

func TestClientPool_GetReturnsSameClientForSameProvider(t *testing.T) {
	p := NewClientPool(5 * time.Second)
	c1 := p.Get("openai")
	c2 := p.Get("openai")
	if c1 != c2 {
		t.Error("expected the same *http.Client instance for repeated Get calls with the same provider id")
	}
}

func TestClientPool_GetReturnsDistinctClientsPerProvider(t *testing.T) {
	p := NewClientPool(5 * time.Second)
	c1 := p.Get("openai")
	c2 := p.Get("anthropic")
	if c1 == c2 {
		t.Error("expected distinct *http.Client instances for distinct provider ids")
	}
}

func TestClientPool_RemoveDropsTheClient(t *testing.T) {
	p := NewClientPool(5 * time.Second)
	c1 := p.Get("openai")
	p.Remove("openai")
	c2 := p.Get("openai")
	if c1 == c2 {
		t.Error("expected Remove to force a fresh client on next Get")
	}
}

func TestClientPool_CloseIdleConnectionsDoesNotPanic(t *testing.T) {
	p := NewClientPool(5 * time.Second)
	p.Get("openai")
	p.Get("anthropic")
	p.CloseIdleConnections()
}
