package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProviderLister enumerates the providers currently worth probing. Satisfied
// by *providers.Registry via a small adapter in the caller (app wiring),
// kept narrow here to avoid importing internal/providers from scheduler.
type ProviderLister interface {
	// OpenProviders returns the ids of every provider whose breaker is
	// Open and within the prober's lead of its half-open cooldown.
	OpenProviders(lead time.Duration) []string
}

// Prober issues a health probe for one provider. Returning nil clears the
// breaker for that provider; any error leaves it untouched.
type Prober interface {
	Probe(ctx context.Context, providerID string) error
	RecordSuccess(providerID string)
}

// BreakerProber periodically probes providers whose circuit breaker is Open
// and approaching cooldown expiry, so the transition back to Closed happens
// off the request path instead of making the first live request pay the
// probe's latency (spec §9). Unlike the cron-scheduled jobs, it runs on a
// plain ticker since a useful lead time (a few seconds) is finer-grained
// than a 5-field cron expression can express.
type BreakerProber struct {
	lister ProviderLister
	target Prober
	logger *slog.Logger

	interval time.Duration
	lead     time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBreakerProber builds a prober. interval is how often it wakes to check
// for Open providers; lead is how far ahead of cooldown expiry it starts
// probing.
func NewBreakerProber(lister ProviderLister, target Prober, logger *slog.Logger, interval, lead time.Duration) *BreakerProber {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if lead <= 0 {
		lead = 5 * time.Second
	}
	return &BreakerProber{
		lister:   lister,
		target:   target,
		logger:   logger,
		interval: interval,
		lead:     lead,
		done:     make(chan struct{}),
	}
}

// Start begins the ticker loop in a background goroutine.
func (p *BreakerProber) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop signals the loop to exit and waits for it to finish the tick in
// progress, if any.
func (p *BreakerProber) Stop() {
	close(p.done)
	p.wg.Wait()
}

func (p *BreakerProber) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick()
		case <-p.done:
			return
		}
	}
}

func (p *BreakerProber) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	for _, id := range p.lister.OpenProviders(p.lead) {
		if err := p.target.Probe(ctx, id); err != nil {
			p.logger.Debug("scheduler: breaker probe failed", slog.String("provider", id), slog.String("error", err.Error()))
			continue
		}
		p.target.RecordSuccess(id)
		p.logger.Info("scheduler: breaker probe succeeded, provider recovering", slog.String("provider", id))
	}
}
