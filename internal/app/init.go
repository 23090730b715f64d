package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/scheduler"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis or when rate limiting /
// token pre-charge is enabled.
func (a *App) initInfra(ctx context.Context) error {
	needsRedis := a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0

	if needsRedis && a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			if a.cfg.Cache.Mode == "redis" {
				return fmt.Errorf("redis: %w", err)
			}
			a.log.Warn("redis unavailable, rate limiting degrades to admit-open", slog.String("error", err.Error()))
			return nil
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the provider registry. At least one provider must be
// configured — config.Load's validation requires a provider key unless
// ALLOW_CLIENT_API_KEYS is set, and an empty registry is rejected below.
func (a *App) initProviders(ctx context.Context) error {
	a.clientPool = proxy.NewClientPool(a.cfg.Failover.ProviderTimeout)

	reg, err := buildRegistry(ctx, a.cfg, a.log, a.clientPool)
	if err != nil {
		return err
	}
	a.registry = reg

	snap := reg.Snapshot()
	if len(snap) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(snap))
	for n := range snap {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		TokenSafetyMargin:  a.cfg.TokenLimit.SafetyMargin,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.registry, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// DDoS shield — always on; purely in-process, no external dependency.
	shield := ratelimit.NewDDoSShield(
		a.cfg.DDoSShield.WindowSize,
		a.cfg.DDoSShield.MaxRequests,
		a.cfg.DDoSShield.MaxUniquePaths,
		a.cfg.DDoSShield.BlockTTL,
	)
	gw.SetDDoSShield(shield)
	a.ddosShield = shield

	// Rate limiting and token pre-charge — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		gw.SetTokenLimiter(ratelimit.NewTokenLimiter(a.rdb, a.cfg.TokenLimit.SafetyMargin))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// ApiKeyStore — left unwired in the open-source build; authenticate()
	// falls back to a single anonymous key with full permissions when none
	// is set. internal/store.MemoryStore satisfies ApiKeyStore directly
	// (GetByHash) for operators who want to seed keys programmatically; the
	// managed version wires a ClickHouse/Postgres-backed store instead.

	// Async request logger — not wired in the open-source build.
	// internal/store.ClickHouseUsageSink exists for operators who run their
	// own ClickHouse and want usage analytics; in the managed version this
	// connects automatically. Request metadata is still written via slog
	// (see gateway.go logRequest) regardless.

	// internal/admin.Surface — the provider register/enable/disable/
	// reset-breaker programmatic surface — is likewise available but not
	// constructed here; the open-source build manages providers through
	// static config (buildRegistry) rather than a live admin API.

	// Admission queue — bounds per-provider and global in-flight requests
	// ahead of the adapter call (spec §4.6).
	gw.SetQueue(proxy.NewRequestQueue(proxy.QueueConfig{
		MaxConcurrent:       a.cfg.Queue.MaxConcurrentPerProvider,
		MaxQueueLen:         a.cfg.Queue.MaxQueueLen,
		GlobalMaxConcurrent: a.cfg.Queue.GlobalMaxConcurrent,
	}, a.prom))

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// Usage accumulator — buffers per-key request/token deltas in memory so
	// the request path never blocks on a store write; the usage reconciler
	// below drains it on an interval. a.usageStore has no persistent
	// ApiKeyStore wired ahead of it (see comment above), so this flushes
	// into an in-process MemoryStore created empty, with no usage sink and
	// no keys seeded; there's no external collaborator behind it.
	a.usageStore = store.NewMemoryStore(nil)
	a.usageAcc = store.NewUsageAccumulator()
	gw.SetUsageRecorder(a.usageAcc)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// initScheduler starts the named background services (spec §9): the
// breaker prober and the cron-scheduled pool sweeper / usage reconciler.
// Must run after initGateway, since it depends on a.gw and a.clientPool.
func (a *App) initScheduler(_ context.Context) error {
	target := &breakerProbeTarget{registry: a.registry, breaker: a.gw.Breaker()}

	a.prober = scheduler.NewBreakerProber(target, target, a.log,
		a.cfg.Scheduler.ProberInterval, a.cfg.Scheduler.ProberLead)
	a.prober.Start()

	sched := scheduler.New(a.log)
	if err := sched.RegisterJob(&scheduler.PoolSweeperJob{
		Pool:         a.clientPool,
		Shield:       a.ddosShield,
		Logger:       a.log,
		ScheduleExpr: a.cfg.Scheduler.PoolSweepSchedule,
	}); err != nil {
		return fmt.Errorf("register pool sweeper: %w", err)
	}
	if err := sched.RegisterJob(&scheduler.UsageReconcilerJob{
		Flush: func(ctx context.Context) []error {
			return a.usageAcc.Flush(ctx, a.usageStore)
		},
		Logger:       a.log,
		ScheduleExpr: a.cfg.Scheduler.UsageFlushSchedule,
	}); err != nil {
		return fmt.Errorf("register usage reconciler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.scheduler = sched

	return nil
}

// breakerProbeTarget adapts the registry and circuit breaker to the
// scheduler package's narrow ProviderLister/Prober interfaces.
type breakerProbeTarget struct {
	registry *providers.Registry
	breaker  *proxy.CircuitBreaker
}

func (t *breakerProbeTarget) OpenProviders(lead time.Duration) []string {
	snap := t.registry.Snapshot()
	ids := make([]string, 0, len(snap))
	for id, p := range snap {
		if !p.Enabled {
			continue
		}
		if t.breaker.NearingRecovery(id, lead) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *breakerProbeTarget) Probe(ctx context.Context, providerID string) error {
	p, ok := t.registry.Get(providerID)
	if !ok {
		return fmt.Errorf("provider %q not found", providerID)
	}
	return p.Adapter.HealthProbe(ctx)
}

func (t *breakerProbeTarget) RecordSuccess(providerID string) {
	t.breaker.Reset(providerID)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
