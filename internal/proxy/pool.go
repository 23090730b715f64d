package proxy

import (
	"net/http"
	"sync"
	"time"
)

// These pool defaults mirror the per-vendor `&http.Client{Timeout:
// providers.ProviderTimeout}` construction scattered across the teacher's
// provider packages, consolidated into one pool so every HTTP-SDK adapter
// reuses keep-alive connections instead of building its own client.
const (
	defaultMaxIdleConnsPerHost = 64
	defaultIdleConnTimeout     = 90 * time.Second
)

// ClientPool hands out one *http.Client per provider id, each backed by its
// own transport with a bounded keep-alive pool (spec §4.6). Adapters that
// build their own SDK client (openai-go, anthropic-sdk-go, genai) take the
// client via an HTTP-client-injection option rather than constructing their
// own; adapters that don't support client injection still benefit from a
// shared, bounded Transport when wired through httpsdk.Generic.
type ClientPool struct {
	mu      sync.Mutex
	clients map[string]*http.Client

	maxIdleConnsPerHost int
	idleConnTimeout     time.Duration
	requestTimeout      time.Duration
}

// NewClientPool creates a pool. requestTimeout is applied as the per-request
// deadline on every client it hands out; 0 disables it (callers are expected
// to carry their own context deadline in that case).
func NewClientPool(requestTimeout time.Duration) *ClientPool {
	return &ClientPool{
		clients:             make(map[string]*http.Client),
		maxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		idleConnTimeout:     defaultIdleConnTimeout,
		requestTimeout:      requestTimeout,
	}
}

// Get returns the shared *http.Client for providerID, creating one lazily on
// first use. Safe for concurrent use.
func (p *ClientPool) Get(providerID string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[providerID]; ok {
		return c
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost:   p.maxIdleConnsPerHost,
		IdleConnTimeout:       p.idleConnTimeout,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: p.requestTimeout,
	}
	c := &http.Client{
		Transport: transport,
		Timeout:   p.requestTimeout,
	}
	p.clients[providerID] = c
	return c
}

// CloseIdleConnections releases idle keep-alive connections for every
// provider in the pool. Called on graceful shutdown.
func (p *ClientPool) CloseIdleConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
}

// Remove drops the cached client for a provider, e.g. after the admin
// surface deletes or disables it, so a future re-registration starts with a
// fresh transport rather than reusing stale connections.
func (p *ClientPool) Remove(providerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[providerID]; ok {
		c.CloseIdleConnections()
		delete(p.clients, providerID)
	}
}
