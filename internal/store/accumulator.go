package store

import (
	"context"
	"sync"
	"time"
)

// usageDelta accumulates unflushed request/token counts for one api key
// between reconciler ticks.
type usageDelta struct {
	requests uint64
	tokens   uint64
	lastUsed time.Time
}

// UsageAccumulator batches per-key usage deltas in memory so the request
// path never blocks on a Store write. The usage reconciler (spec §9) drains
// it on an interval, independent of the per-request async log write
// internal/logger performs — that one logs for observability, this one is
// the billing/quota source of truth.
type UsageAccumulator struct {
	mu     sync.Mutex
	deltas map[string]*usageDelta
}

// NewUsageAccumulator returns an empty accumulator.
func NewUsageAccumulator() *UsageAccumulator {
	return &UsageAccumulator{deltas: make(map[string]*usageDelta)}
}

// Add records requests/tokens consumed by keyID since the last flush. Safe
// for concurrent use from the request path.
func (a *UsageAccumulator) Add(keyID string, requests, tokens uint64, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, ok := a.deltas[keyID]
	if !ok {
		d = &usageDelta{}
		a.deltas[keyID] = d
	}
	d.requests += requests
	d.tokens += tokens
	if at.After(d.lastUsed) {
		d.lastUsed = at
	}
}

// Flush drains every accumulated delta into store via IncrementUsage and
// clears the accumulator. Deltas for keys that fail to flush (e.g. the key
// was deleted between Add and Flush) are dropped rather than retried
// indefinitely; each failure's IncrementUsage error is collected into the
// returned slice for the caller to log, and the rest of the batch still
// flushes.
func (a *UsageAccumulator) Flush(ctx context.Context, s Store) []error {
	a.mu.Lock()
	pending := a.deltas
	a.deltas = make(map[string]*usageDelta)
	a.mu.Unlock()

	var errs []error
	for keyID, d := range pending {
		if err := s.IncrementUsage(ctx, keyID, d.requests, d.tokens, d.lastUsed); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Len reports how many keys currently hold unflushed deltas. Mainly useful
// for tests and metrics.
func (a *UsageAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.deltas)
}
