// Package providers holds the gateway's data model: Provider records, their
// ModelMappings, ApiKeys, and the copy-on-write registry that resolves a
// caller's requested model to an ordered list of upstream candidates.
//
// The registry owns Provider records exclusively; per-provider breaker state
// and usage counters are long-lived and keyed by provider id rather than by
// registry snapshot (spec §9, "per-provider state that must not be
// snapshotted").
package providers

import (
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

// ModelMapping bridges the gateway's external model namespace to a
// provider's internal one.
type ModelMapping struct {
	ExternalID         string
	InternalID         string
	MaxOutputTokens    int
	ContextWindow      int
	SupportsStreaming  bool
	SupportsEmbeddings bool
	CostCoefficient    float64
	// RateLimitRPM overrides the api-key's default admission rate for this
	// specific model when non-zero.
	RateLimitRPM int
}

// HealthSnapshot is the liveness state a provider record can carry. The
// background health checker keeps its own per-provider status and does not
// write this field.
type HealthSnapshot struct {
	Healthy   bool
	LastProbe time.Time
	LastError string
}

// Counters are long-lived, per-provider-id aggregates that survive registry
// snapshot swaps. All fields are updated with sync/atomic.
type Counters struct {
	Requests     uint64
	Errors       uint64
	InFlight     int64
	LatencyEWMAms uint64
}

func (c *Counters) RecordRequest() { atomic.AddUint64(&c.Requests, 1) }
func (c *Counters) RecordError()   { atomic.AddUint64(&c.Errors, 1) }
func (c *Counters) IncInFlight()   { atomic.AddInt64(&c.InFlight, 1) }
func (c *Counters) DecInFlight()   { atomic.AddInt64(&c.InFlight, -1) }

// ErrorRate returns errors/requests observed so far, 0 when no traffic has
// been recorded yet. It is a simple cumulative ratio, not windowed — the
// circuit breaker itself owns the windowed failure count used for trip
// decisions; this is only a tie-breaker for candidate ordering (§4.2).
func (c *Counters) ErrorRate() float64 {
	reqs := atomic.LoadUint64(&c.Requests)
	if reqs == 0 {
		return 0
	}
	errs := atomic.LoadUint64(&c.Errors)
	return float64(errs) / float64(reqs)
}

func (c *Counters) QueueDepth() int {
	return int(atomic.LoadInt64(&c.InFlight))
}

// Provider is a named, typed upstream managed by the registry.
type Provider struct {
	ID       string
	Name     string
	Kind     adapter.Kind
	Enabled  bool
	Priority int
	Tags     []string

	ModelMappings []ModelMapping
	Adapter       adapter.Adapter

	Health HealthSnapshot

	// counters is a pointer shared by every snapshot that ever held this
	// provider id; it is never replaced on update, only created once.
	counters *Counters
}

// CountersRef returns the provider's long-lived counters, creating them if
// this is the first snapshot to reference the id.
func (p *Provider) CountersRef() *Counters {
	if p.counters == nil {
		p.counters = &Counters{}
	}
	return p.counters
}

// MappingFor returns the ModelMapping whose ExternalID matches id, if any.
func (p *Provider) MappingFor(externalID string) (ModelMapping, bool) {
	for _, m := range p.ModelMappings {
		if m.ExternalID == externalID {
			return m, true
		}
	}
	return ModelMapping{}, false
}

// StatusCoder is implemented by error types that carry their own HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Default circuit breaker and failover constants (spec §4.3, §4.5).
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	MaxRetries        = 3
	ProviderTimeout   = 30 * time.Second
)
