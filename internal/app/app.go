// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra      — external connections (Redis when needed)
//  2. initProviders  — provider registry (LLM adapters of all four kinds)
//  3. initServices   — cache, metrics registry
//  4. initGateway    — proxy + management routes
//  5. initScheduler  — breaker prober, pool sweeper, usage reconciler
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
	"github.com/nulpointcorp/llm-gateway/internal/adapter/cli"
	"github.com/nulpointcorp/llm-gateway/internal/adapter/httpsdk"
	"github.com/nulpointcorp/llm-gateway/internal/adapter/local"
	adapterproxy "github.com/nulpointcorp/llm-gateway/internal/adapter/proxy"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/scheduler"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	memCache  *npCache.MemoryCache

	prom *metrics.Registry

	registry   *providers.Registry
	clientPool *proxy.ClientPool
	mgmt       *proxy.ManagementRoutes
	gw         *proxy.Gateway

	ddosShield *ratelimit.DDoSShield
	usageStore store.Store
	usageAcc   *store.UsageAccumulator
	scheduler  *scheduler.Scheduler
	prober     *scheduler.BreakerProber
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
		{"scheduler", a.initScheduler},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.registry.Snapshot())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; concurrent calls are not synchronised.
func (a *App) Close() {
	if a.prober != nil {
		a.prober.Stop()
		a.prober = nil
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
		a.scheduler = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.clientPool != nil {
		a.clientPool.CloseIdleConnections()
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// directChatMapping builds the one-model mapping shared by every
// single-model direct/HTTP-SDK provider entry below.
func directChatMapping(externalID string, maxOutput, contextWindow int, embeddings bool) providers.ModelMapping {
	return providers.ModelMapping{
		ExternalID:         externalID,
		InternalID:         externalID,
		MaxOutputTokens:    maxOutput,
		ContextWindow:      contextWindow,
		SupportsStreaming:  true,
		SupportsEmbeddings: embeddings,
		CostCoefficient:    1.0,
	}
}

// buildRegistry populates a Registry from every provider with non-empty
// credentials. Each provider record pairs one adapter.Adapter with the
// model mappings it serves; the registry resolves a caller's external
// model name to an ordered candidate list across every Put provider that
// maps it (spec §4.2).
func buildRegistry(ctx context.Context, cfg *config.Config, log *slog.Logger, pool *proxy.ClientPool) (*providers.Registry, error) {
	reg := providers.NewRegistry()
	priority := 0
	put := func(p *providers.Provider) {
		if p.Priority == 0 {
			priority++
			p.Priority = priority
		}
		if err := reg.Put(p); err != nil {
			log.Warn("provider registration skipped", slog.String("id", p.ID), slog.String("error", err.Error()))
		}
	}

	// ── Direct vendor SDKs (each gets its own HTTP-SDK-variant adapter) ──────
	if cfg.OpenAI.APIKey != "" {
		put(&providers.Provider{
			ID: "openai", Name: "OpenAI", Kind: adapter.KindHTTPSDK, Enabled: true,
			Adapter: httpsdk.New("openai", cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, httpsdk.WithHTTPClient(pool.Get("openai"))),
			ModelMappings: []providers.ModelMapping{
				directChatMapping("gpt-4o", 16384, 128000, false),
				directChatMapping("gpt-4o-mini", 16384, 128000, false),
				directChatMapping("gpt-4-turbo", 4096, 128000, false),
				directChatMapping("text-embedding-3-small", 0, 8191, true),
				directChatMapping("text-embedding-3-large", 0, 8191, true),
			},
		})
	}
	if cfg.Anthropic.APIKey != "" {
		put(&providers.Provider{
			ID: "anthropic", Name: "Anthropic", Kind: adapter.KindHTTPSDK, Enabled: true,
			Adapter: httpsdk.NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, pool.Get("anthropic")),
			ModelMappings: []providers.ModelMapping{
				directChatMapping("claude-3-5-sonnet-latest", 8192, 200000, false),
				directChatMapping("claude-3-5-haiku-latest", 8192, 200000, false),
				directChatMapping("claude-3-opus-latest", 4096, 200000, false),
			},
		})
	}
	if cfg.Gemini.APIKey != "" {
		gem, err := httpsdk.NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.BaseURL, pool.Get("gemini"))
		if err != nil {
			log.Warn("gemini init failed", slog.String("error", err.Error()))
		} else {
			put(&providers.Provider{
				ID: "gemini", Name: "Google Gemini", Kind: adapter.KindHTTPSDK, Enabled: true,
				Adapter: gem,
				ModelMappings: []providers.ModelMapping{
					directChatMapping("gemini-1.5-pro", 8192, 2000000, false),
					directChatMapping("gemini-1.5-flash", 8192, 1000000, false),
					directChatMapping("text-embedding-004", 0, 2048, true),
				},
			})
		}
	}
	if cfg.Mistral.APIKey != "" {
		baseURL := cfg.Mistral.BaseURL
		if baseURL == "" {
			baseURL = "https://api.mistral.ai/v1"
		}
		put(&providers.Provider{
			ID: "mistral", Name: "Mistral", Kind: adapter.KindHTTPSDK, Enabled: true,
			Adapter: httpsdk.New("mistral", cfg.Mistral.APIKey, baseURL, httpsdk.WithHTTPClient(pool.Get("mistral"))),
			ModelMappings: []providers.ModelMapping{
				directChatMapping("mistral-large-latest", 8192, 128000, false),
				directChatMapping("mistral-embed", 0, 8192, true),
			},
		})
	}

	// ── OpenAI-compatible vendors, all through httpsdk.Generic ──────────────
	type ocEntry struct {
		key, id, name, baseURL, model string
	}
	ocProviders := []ocEntry{
		{cfg.XAI.APIKey, "xai", "xAI", "https://api.x.ai/v1", "grok-2-latest"},
		{cfg.DeepSeek.APIKey, "deepseek", "DeepSeek", "https://api.deepseek.com/v1", "deepseek-chat"},
		{cfg.Groq.APIKey, "groq", "Groq", "https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
		{cfg.Together.APIKey, "together", "Together AI", "https://api.together.xyz/v1", "meta-llama/Llama-3.3-70B-Instruct-Turbo"},
		{cfg.Perplexity.APIKey, "perplexity", "Perplexity", "https://api.perplexity.ai", "sonar"},
		{cfg.Cerebras.APIKey, "cerebras", "Cerebras", "https://api.cerebras.ai/v1", "llama-3.3-70b"},
		{cfg.Moonshot.APIKey, "moonshot", "Moonshot", "https://api.moonshot.cn/v1", "moonshot-v1-8k"},
		{cfg.MiniMax.APIKey, "minimax", "MiniMax", "https://api.minimax.chat/v1", "abab6.5s-chat"},
		{cfg.Qwen.APIKey, "qwen", "Qwen", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1", "qwen-plus"},
		{cfg.Nebius.APIKey, "nebius", "Nebius", "https://api.studio.nebius.ai/v1", "meta-llama/Llama-3.3-70B-Instruct"},
		{cfg.NovitaAI.APIKey, "novita", "Novita AI", "https://api.novita.ai/v3/openai", "meta-llama/llama-3.3-70b-instruct"},
		{cfg.ByteDance.APIKey, "bytedance", "ByteDance Ark", "https://ark.cn-beijing.volces.com/api/v3", "doubao-pro-32k"},
		{cfg.ZAI.APIKey, "zai", "Z.ai", "https://api.z.ai/api/openai/v1", "glm-4.5"},
		{cfg.CanopyWave.APIKey, "canopywave", "CanopyWave", "https://api.canopywave.com/v1", "llama-3.3-70b"},
		{cfg.Inference.APIKey, "inference", "Inference.net", "https://api.inference.net/v1", "llama-3.3-70b"},
		{cfg.NanoGPT.APIKey, "nanogpt", "NanoGPT", "https://nano-gpt.com/api/v1", "gpt-4o-mini"},
	}
	for _, e := range ocProviders {
		if e.key == "" {
			continue
		}
		put(&providers.Provider{
			ID: e.id, Name: e.name, Kind: adapter.KindHTTPSDK, Enabled: true,
			Adapter:       httpsdk.New(e.id, e.key, e.baseURL, httpsdk.WithHTTPClient(pool.Get(e.id))),
			ModelMappings: []providers.ModelMapping{directChatMapping(e.model, 4096, 32768, false)},
		})
	}

	// ── Google Vertex AI ──────────────────────────────────────────────────────
	if cfg.VertexAI.Project != "" {
		loc := cfg.VertexAI.Location
		if loc == "" {
			loc = "us-central1"
		}
		vx, err := httpsdk.NewVertexAI(ctx, cfg.VertexAI.Project, loc, pool.Get("vertexai"))
		if err != nil {
			log.Warn("vertexai init failed", slog.String("error", err.Error()))
		} else {
			put(&providers.Provider{
				ID: "vertexai", Name: "Google Vertex AI", Kind: adapter.KindHTTPSDK, Enabled: true,
				Adapter: vx,
				ModelMappings: []providers.ModelMapping{
					directChatMapping("gemini-1.5-pro", 8192, 2000000, false),
				},
			})
		}
	}

	// ── AWS Bedrock ───────────────────────────────────────────────────────────
	if cfg.Bedrock.AccessKey != "" && cfg.Bedrock.SecretKey != "" && cfg.Bedrock.Region != "" {
		var opts []httpsdk.BedrockOption
		if cfg.Bedrock.SessionToken != "" {
			opts = append(opts, httpsdk.WithSessionToken(cfg.Bedrock.SessionToken))
		}
		if cfg.Bedrock.EndpointURL != "" {
			opts = append(opts, httpsdk.WithBedrockEndpointURL(cfg.Bedrock.EndpointURL))
		}
		opts = append(opts, httpsdk.WithBedrockHTTPClient(pool.Get("bedrock")))
		put(&providers.Provider{
			ID: "bedrock", Name: "AWS Bedrock", Kind: adapter.KindHTTPSDK, Enabled: true,
			Adapter: httpsdk.NewBedrock(cfg.Bedrock.AccessKey, cfg.Bedrock.SecretKey, cfg.Bedrock.Region, opts...),
			ModelMappings: []providers.ModelMapping{
				directChatMapping("anthropic.claude-3-5-sonnet-20241022-v2:0", 8192, 200000, false),
				directChatMapping("amazon.titan-text-express-v1", 4096, 8000, false),
			},
		})
	}

	// ── Azure OpenAI ──────────────────────────────────────────────────────────
	if cfg.Azure.APIKey != "" && cfg.Azure.Endpoint != "" {
		apiVersion := cfg.Azure.APIVersion
		if apiVersion == "" {
			apiVersion = "2024-12-01-preview"
		}
		put(&providers.Provider{
			ID: "azure", Name: "Azure OpenAI", Kind: adapter.KindHTTPSDK, Enabled: true,
			Adapter:       httpsdk.NewAzure(cfg.Azure.Endpoint, cfg.Azure.APIKey, apiVersion, pool.Get("azure")),
			ModelMappings: []providers.ModelMapping{directChatMapping("gpt-4o", 16384, 128000, false)},
		})
	}

	// ── CLI adapter: one sandboxed container provider ────────────────────────
	if cfg.CLISandbox.Image != "" {
		sc := cli.SandboxConfig{
			Image:          cfg.CLISandbox.Image,
			Command:        cfg.CLISandbox.Command,
			Runtime:        cfg.CLISandbox.Runtime,
			Timeout:        cfg.CLISandbox.Timeout,
			GracePeriod:    cfg.CLISandbox.GracePeriod,
			AllowedImages:  cfg.CLISandbox.AllowedImages,
			AllowedCommand: cfg.CLISandbox.AllowedCommand,
			Limits: cli.ResourceLimits{
				CPUShares: cfg.CLISandbox.CPUShares,
				MemoryMB:  cfg.CLISandbox.MemoryMB,
				DiskMB:    cfg.CLISandbox.DiskMB,
			},
		}
		modelID := cfg.CLISandbox.ModelID
		if modelID == "" {
			modelID = "sandbox-1"
		}
		put(&providers.Provider{
			ID: "cli-sandbox", Name: "Sandboxed CLI", Kind: adapter.KindCLI, Enabled: true,
			Adapter:       cli.New(sc),
			ModelMappings: []providers.ModelMapping{directChatMapping(modelID, 4096, 32768, false)},
		})
	}

	// ── Proxy adapter: near-verbatim forwarding to one OpenAI-compatible target ──
	if cfg.ProxyTarget.BaseURL != "" {
		pc := adapterproxy.Config{
			BaseURL:        cfg.ProxyTarget.BaseURL,
			AuthMode:       adapterproxy.AuthMode(cfg.ProxyTarget.AuthMode),
			Credential:     cfg.ProxyTarget.Credential,
			APIKeyHeader:   cfg.ProxyTarget.APIKeyHeader,
			ForwardHeaders: cfg.ProxyTarget.ForwardHeaders,
		}
		modelID := cfg.ProxyTarget.ModelID
		if modelID == "" {
			modelID = "proxy-target-1"
		}
		put(&providers.Provider{
			ID: "proxy-target", Name: "Proxy Target", Kind: adapter.KindProxy, Enabled: true,
			Adapter:       adapterproxy.New(pc),
			ModelMappings: []providers.ModelMapping{directChatMapping(modelID, 4096, 32768, false)},
		})
	}

	// ── Local adapter: one loopback/LAN inference server ────────────────────
	if cfg.LocalInference.BaseURL != "" {
		modelID := cfg.LocalInference.ModelID
		if modelID == "" {
			modelID = "local-1"
		}
		put(&providers.Provider{
			ID: "local-inference", Name: "Local Inference", Kind: adapter.KindLocal, Enabled: true,
			Adapter:       local.New(cfg.LocalInference.BaseURL),
			ModelMappings: []providers.ModelMapping{directChatMapping(modelID, 4096, 32768, false)},
		})
	}

	return reg, nil
}
