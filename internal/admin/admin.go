// Package admin implements the programmatic admin surface (spec §6): CRUD
// over provider records plus operational actions (test-connection,
// reset-breaker). It is a thin Go API, not an HTTP handler set — a real
// deployment exposes these operations behind the admin/management HTTP
// surface and the browser-facing console, both explicitly out-of-scope
// external collaborators.
package admin

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// BreakerResetter is satisfied by proxy.CircuitBreaker. Kept as a narrow
// interface here so this package never imports internal/proxy (which
// already imports internal/providers; importing proxy here would risk a
// cycle and pulls in far more than admin needs).
type BreakerResetter interface {
	Reset(provider string)
	StateLabel(provider string) string
}

// ClientPoolEvictor is satisfied by proxy.ClientPool: dropping a provider's
// pooled connections when it's deleted or disabled avoids reusing stale
// transports against a since-rotated or removed endpoint.
type ClientPoolEvictor interface {
	Remove(providerID string)
}

// Registrar is the subset of store.Store the admin surface needs for
// provider persistence, kept narrow for the same reason as BreakerResetter.
type Registrar interface {
	PutProvider(ctx context.Context, p *providers.Provider) error
	DeleteProvider(ctx context.Context, id string) error
}

// Surface is the admin surface's programmatic entry point: it mutates the
// live registry (copy-on-write, spec §4.2/§9) and mirrors the change to the
// persistent store so it survives a restart.
type Surface struct {
	registry *providers.Registry
	store    Registrar
	breaker  BreakerResetter
	pool     ClientPoolEvictor
}

// NewSurface wires the admin operations against the live registry. store,
// breaker, and pool may be nil in a reduced deployment (e.g. breaker reset
// and connection eviction simply become no-ops).
func NewSurface(registry *providers.Registry, store Registrar, breaker BreakerResetter, pool ClientPoolEvictor) *Surface {
	return &Surface{registry: registry, store: store, breaker: breaker, pool: pool}
}

// RegisterProvider adds a new provider, publishing a fresh registry
// snapshot and persisting it to the store.
func (s *Surface) RegisterProvider(ctx context.Context, p *providers.Provider) error {
	if s.registry.Exists(p.ID) {
		return fmt.Errorf("admin: provider %q already registered", p.ID)
	}
	return s.putAndPersist(ctx, p)
}

// UpdateProvider replaces an existing provider's record in place. Returns an
// error if the provider doesn't already exist — use RegisterProvider for
// first registration.
func (s *Surface) UpdateProvider(ctx context.Context, p *providers.Provider) error {
	if !s.registry.Exists(p.ID) {
		return fmt.Errorf("admin: provider %q not found", p.ID)
	}
	return s.putAndPersist(ctx, p)
}

func (s *Surface) putAndPersist(ctx context.Context, p *providers.Provider) error {
	if err := s.registry.Put(p); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.PutProvider(ctx, p); err != nil {
			return fmt.Errorf("admin: persist provider %q: %w", p.ID, err)
		}
	}
	return nil
}

// DeleteProvider removes a provider from the live registry and the store,
// and evicts its pooled connections.
func (s *Surface) DeleteProvider(ctx context.Context, id string) error {
	s.registry.Delete(id)
	if s.pool != nil {
		s.pool.Remove(id)
	}
	if s.store != nil {
		if err := s.store.DeleteProvider(ctx, id); err != nil {
			return fmt.Errorf("admin: delete provider %q: %w", id, err)
		}
	}
	return nil
}

// EnableProvider flips a provider back into rotation.
func (s *Surface) EnableProvider(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, true)
}

// DisableProvider pulls a provider out of rotation without deleting its
// record, and evicts its pooled connections (spec §4.6 pool lifecycle).
func (s *Surface) DisableProvider(ctx context.Context, id string) error {
	if err := s.setEnabled(ctx, id, false); err != nil {
		return err
	}
	if s.pool != nil {
		s.pool.Remove(id)
	}
	return nil
}

func (s *Surface) setEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.registry.SetEnabled(id, enabled); err != nil {
		return err
	}
	if s.store != nil {
		p, ok := s.registry.Get(id)
		if ok {
			if err := s.store.PutProvider(ctx, p); err != nil {
				return fmt.Errorf("admin: persist enabled=%v for %q: %w", enabled, id, err)
			}
		}
	}
	return nil
}

// TestConnection issues the adapter's dry-run operation (spec §4.1 Open
// Question (a)): a synthetic request that short-circuits before
// rate-limiting and usage recording, used to validate a provider record
// before it's put into rotation.
func (s *Surface) TestConnection(ctx context.Context, providerID string, timeout time.Duration) error {
	p, ok := s.registry.Get(providerID)
	if !ok {
		return fmt.Errorf("admin: provider %q not found", providerID)
	}
	if p.Adapter == nil {
		return fmt.Errorf("admin: provider %q has no adapter configured", providerID)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Adapter.DryRun(ctx)
}

// ResetBreaker forces a provider's circuit breaker back to Closed (spec §8:
// "after an administrative reset, the next request observes state Closed").
func (s *Surface) ResetBreaker(providerID string) error {
	if !s.registry.Exists(providerID) {
		return fmt.Errorf("admin: provider %q not found", providerID)
	}
	if s.breaker == nil {
		return fmt.Errorf("admin: no circuit breaker wired")
	}
	s.breaker.Reset(providerID)
	return nil
}

// BreakerState reports a provider's current circuit-breaker state label,
// used by read-metrics-style admin endpoints.
func (s *Surface) BreakerState(providerID string) (string, error) {
	if !s.registry.Exists(providerID) {
		return "", fmt.Errorf("admin: provider %q not found", providerID)
	}
	if s.breaker == nil {
		return "unknown", nil
	}
	return s.breaker.StateLabel(providerID), nil
}

// ProviderSummary is a read-only view of one provider's admin-relevant
// state, used by a read-metrics-style admin listing endpoint.
type ProviderSummary struct {
	ID           string
	Name         string
	Enabled      bool
	Priority     int
	BreakerState string
	TotalRequests uint64
	TotalErrors   uint64
	InFlight      int64
}

// ListProviders returns a summary of every registered provider, enabled or
// not, for the admin console's listing view.
func (s *Surface) ListProviders() []ProviderSummary {
	snap := s.registry.Snapshot()
	out := make([]ProviderSummary, 0, len(snap))
	for _, p := range snap {
		c := p.CountersRef()
		label := "unknown"
		if s.breaker != nil {
			label = s.breaker.StateLabel(p.ID)
		}
		out = append(out, ProviderSummary{
			ID:            p.ID,
			Name:          p.Name,
			Enabled:       p.Enabled,
			Priority:      p.Priority,
			BreakerState:  label,
			TotalRequests: atomic.LoadUint64(&c.Requests),
			TotalErrors:   atomic.LoadUint64(&c.Errors),
			InFlight:      atomic.LoadInt64(&c.InFlight),
		})
	}
	return out
}
