package providers

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// BreakerState mirrors the circuit breaker's state enum without importing
// internal/proxy, which in turn imports this package — the concrete breaker
// is injected at resolution time via ResolutionContext.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

// ResolutionContext supplies the live signal the resolution algorithm needs
// but does not own: per-provider breaker state. internal/proxy's
// CircuitBreaker satisfies this. Queue depth is read from each provider's
// Counters, not from this interface.
type ResolutionContext interface {
	BreakerState(providerID string) BreakerState
}

// Candidate is one (provider, mapping) pair produced by Resolve, in the
// dispatcher's attempt order.
type Candidate struct {
	Provider *Provider
	Mapping  ModelMapping
}

// snapshot is the immutable value published via Registry.ptr. Mutations
// never touch a published snapshot; they build a new one and swap the
// pointer (spec §5, §9 "Registry updates").
type snapshot struct {
	byID      map[string]*Provider
	version   uint64
}

// Registry is the copy-on-write provider store. Readers call Snapshot (or
// Resolve, which snapshots internally) and hold the result for the duration
// of one request; writers call Put/Delete/SetEnabled, which publish a new
// snapshot atomically.
type Registry struct {
	ptr atomic.Pointer[snapshot]

	// countersMu guards countersByID, the map of long-lived per-provider-id
	// counters that must survive snapshot replacement.
	countersMu sync.Mutex
	countersByID map[string]*Counters
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{countersByID: make(map[string]*Counters)}
	r.ptr.Store(&snapshot{byID: make(map[string]*Provider)})
	return r
}

func (r *Registry) counters(id string) *Counters {
	r.countersMu.Lock()
	defer r.countersMu.Unlock()
	c, ok := r.countersByID[id]
	if !ok {
		c = &Counters{}
		r.countersByID[id] = c
	}
	return c
}

// Snapshot returns the currently published set of providers. The returned
// map must not be mutated; callers that need to change a Provider must go
// through Put.
func (r *Registry) Snapshot() map[string]*Provider {
	return r.ptr.Load().byID
}

// Get returns the provider with the given id, if present in the current
// snapshot.
func (r *Registry) Get(id string) (*Provider, bool) {
	p, ok := r.ptr.Load().byID[id]
	return p, ok
}

// Put registers or replaces a provider record, publishing a new snapshot.
// The long-lived counters pointer is preserved across replacement.
func (r *Registry) Put(p *Provider) error {
	if p.ID == "" {
		return fmt.Errorf("providers: provider id must not be empty")
	}
	if len(p.ModelMappings) == 0 {
		return fmt.Errorf("providers: provider %q needs at least one model mapping", p.ID)
	}
	cp := *p
	cp.counters = r.counters(p.ID)

	for {
		old := r.ptr.Load()
		next := &snapshot{
			byID:    make(map[string]*Provider, len(old.byID)+1),
			version: old.version + 1,
		}
		for k, v := range old.byID {
			next.byID[k] = v
		}
		next.byID[cp.ID] = &cp
		if r.ptr.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// Delete removes a provider from the registry. Its counters are retained in
// countersByID (they are cheap and historical metrics may still reference
// the id) but will no longer be resolvable.
func (r *Registry) Delete(id string) {
	for {
		old := r.ptr.Load()
		if _, ok := old.byID[id]; !ok {
			return
		}
		next := &snapshot{
			byID:    make(map[string]*Provider, len(old.byID)),
			version: old.version + 1,
		}
		for k, v := range old.byID {
			if k != id {
				next.byID[k] = v
			}
		}
		if r.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// SetEnabled flips the enabled flag of an existing provider without
// disturbing its counters or model mappings. Disabling removes it from
// resolution but preserves its accumulated counters, per the Provider
// invariant in the data model.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	for {
		old := r.ptr.Load()
		p, ok := old.byID[id]
		if !ok {
			return fmt.Errorf("providers: unknown provider %q", id)
		}
		cp := *p
		cp.Enabled = enabled
		next := &snapshot{
			byID:    make(map[string]*Provider, len(old.byID)),
			version: old.version + 1,
		}
		for k, v := range old.byID {
			next.byID[k] = v
		}
		next.byID[id] = &cp
		if r.ptr.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// Exists reports whether id is present in the current snapshot. The admin
// surface uses it to validate a provider id; the registry itself holds no
// breaker state (that lives in internal/proxy's CircuitBreaker, keyed by the
// same provider id).
func (r *Registry) Exists(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// ErrModelNotFound is returned by Resolve when no enabled provider exposes
// the requested external model id.
type ErrModelNotFound struct{ Model string }

func (e *ErrModelNotFound) Error() string {
	return fmt.Sprintf("providers: no provider exposes model %q", e.Model)
}

func (e *ErrModelNotFound) HTTPStatus() int { return 404 }

// Resolve implements §4.2's model-resolution algorithm: collect all enabled
// providers exposing externalModelID, partition by breaker state (Closed,
// then HalfOpen, then Open), and within a partition sort by descending
// priority, then ascending error rate, then ascending queue depth.
func (r *Registry) Resolve(externalModelID string, rc ResolutionContext) ([]Candidate, error) {
	snap := r.ptr.Load()

	var candidates []Candidate
	for _, p := range snap.byID {
		if !p.Enabled {
			continue
		}
		mapping, ok := p.MappingFor(externalModelID)
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{Provider: p, Mapping: mapping})
	}
	if len(candidates) == 0 {
		return nil, &ErrModelNotFound{Model: externalModelID}
	}

	partition := func(c Candidate) int {
		switch rc.BreakerState(c.Provider.ID) {
		case StateClosed:
			return 0
		case StateHalfOpen:
			return 1
		default:
			return 2
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := partition(candidates[i]), partition(candidates[j])
		if pi != pj {
			return pi < pj
		}
		ci, cj := candidates[i].Provider, candidates[j].Provider
		if ci.Priority != cj.Priority {
			return ci.Priority > cj.Priority
		}
		eri, erj := ci.CountersRef().ErrorRate(), cj.CountersRef().ErrorRate()
		if eri != erj {
			return eri < erj
		}
		return ci.CountersRef().QueueDepth() < cj.CountersRef().QueueDepth()
	})

	return candidates, nil
}

// ResolveEmbeddings is Resolve restricted to providers whose mapping
// supports embeddings.
func (r *Registry) ResolveEmbeddings(externalModelID string, rc ResolutionContext) ([]Candidate, error) {
	all, err := r.Resolve(externalModelID, rc)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, c := range all {
		if c.Mapping.SupportsEmbeddings {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, &ErrModelNotFound{Model: externalModelID}
	}
	return out, nil
}

// ListModelIDs returns the union of external model ids across enabled
// providers, for GET /v1/models.
func (r *Registry) ListModelIDs() []string {
	snap := r.ptr.Load()
	seen := make(map[string]struct{})
	for _, p := range snap.byID {
		if !p.Enabled {
			continue
		}
		for _, m := range p.ModelMappings {
			seen[m.ExternalID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
