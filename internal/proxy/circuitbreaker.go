package proxy

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; one request is allowed to probe the provider.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults defined in providers/provider.go.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: providers.CBErrorThreshold (5).
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	// Default: providers.CBTimeWindow (60s).
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: providers.CBHalfOpenTimeout (30s).
	HalfOpenTimeout time.Duration

	// HalfOpenProbeConcurrency caps the number of simultaneous probes
	// allowed while half-open. Default 1.
	HalfOpenProbeConcurrency int
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return providers.CBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return providers.CBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return providers.CBHalfOpenTimeout
}

func (c *CBConfig) halfOpenProbeConcurrency() int {
	if c.HalfOpenProbeConcurrency > 0 {
		return c.HalfOpenProbeConcurrency
	}
	return 1
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state        cbState
	errorCount   int
	windowStart  time.Time // start of the current error-counting window
	openedAt     time.Time // when the breaker was tripped (for half-open timer)
	probesInFlight int     // count of half-open probes currently in flight
}

// CircuitBreaker manages independent circuit breakers for each provider,
// keyed by stable provider id rather than by registry snapshot (spec §9).
// Entries are created lazily on first reference, since the provider set is
// now dynamic (registry-driven) rather than a fixed vendor list. It is safe
// for concurrent use from multiple goroutines and satisfies
// providers.ResolutionContext.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
// Use this to apply values loaded from configuration.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
	}
}

// Allow reports whether the named provider should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows a probe.
//   - HalfOpen → true only while fewer than HalfOpenProbeConcurrency probes
//     are in flight.
//
// Unknown providers are created lazily in the Closed state and therefore
// allowed — the breaker has no history to reject them on.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.getOrCreate(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			pcb.state = cbHalfOpen
			pcb.probesInFlight = 1
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probesInFlight >= cb.cfg.halfOpenProbeConcurrency() {
			return false
		}
		pcb.probesInFlight++
		return true
	}

	return true
}

// RecordSuccess marks a successful response for provider and resets the
// breaker to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.getOrCreate(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probesInFlight = 0
	pcb.windowStart = time.Now()
}

// RecordFailure increments the error counter for provider. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens; a failure
// observed while HalfOpen reopens immediately.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.getOrCreate(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := time.Now()

	if pcb.state == cbHalfOpen {
		pcb.state = cbOpen
		pcb.openedAt = now
		pcb.probesInFlight = 0
		return
	}

	// Reset counter when the rolling window has expired.
	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++

	if pcb.errorCount >= cb.cfg.errorThreshold() {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// State returns the current cbState for provider (useful for metrics export).
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.getOrCreate(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// BreakerState implements providers.ResolutionContext, translating the
// package-private cbState into the public providers.BreakerState enum used
// by the model-resolution partitioning (§4.2).
func (cb *CircuitBreaker) BreakerState(provider string) providers.BreakerState {
	switch cb.State(provider) {
	case cbOpen:
		return providers.StateOpen
	case cbHalfOpen:
		return providers.StateHalfOpen
	default:
		return providers.StateClosed
	}
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Reset forces provider back to Closed, used by the admin reset-breaker
// operation (spec §6 admin surface, §8 "after an administrative reset, the
// next request observes state Closed").
func (cb *CircuitBreaker) Reset(provider string) {
	cb.RecordSuccess(provider)
}

// NearingRecovery reports whether provider is Open and within lead of its
// half-open cooldown expiring. The background breaker prober (spec §9) uses
// this to pick providers worth probing proactively, so the transition out
// of Open happens off the request path instead of the first live request
// paying the probe's latency.
func (cb *CircuitBreaker) NearingRecovery(provider string, lead time.Duration) bool {
	pcb := cb.getOrCreate(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	if pcb.state != cbOpen {
		return false
	}
	return time.Since(pcb.openedAt) >= cb.cfg.halfOpenTimeout()-lead
}

func (cb *CircuitBreaker) getOrCreate(provider string) *providerCB {
	cb.mu.RLock()
	pcb, ok := cb.breakers[provider]
	cb.mu.RUnlock()
	if ok {
		return pcb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pcb, ok := cb.breakers[provider]; ok {
		return pcb
	}
	pcb = &providerCB{state: cbClosed, windowStart: time.Now()}
	cb.breakers[provider] = pcb
	return pcb
}
