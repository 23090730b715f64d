// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// and rate-limits the caller, resolves the target provider via the registry,
// dispatches through the circuit-breaker-aware Dispatcher, and normalizes the
// response back into OpenAI wire format — falling back to alternative
// providers when the primary is unavailable.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Cache and rate limiters are optional and nil-safe.
//   - All I/O uses context.Context so timeouts and disconnects propagate.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/normalize"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// ApiKeyStore resolves a hashed bearer credential to its ApiKey record. The
// persistent-store reference implementation (internal/store, spec §6) backs
// this in a real deployment; Gateway treats it as optional so the engine
// remains runnable without that external collaborator wired in.
type ApiKeyStore interface {
	GetByHash(ctx context.Context, hash string) (*providers.ApiKey, bool)
}

// UsageRecorder buffers per-key request/token deltas for the usage
// reconciler (spec §9) to flush to the persistent store on an interval,
// independent of the per-request async log write. Satisfied by
// *store.UsageAccumulator.
type UsageRecorder interface {
	Add(keyID string, requests, tokens uint64, at time.Time)
}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to a no-op logger when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Must be ≥ 1. Default: providers.MaxRetries (3).
	MaxRetries int

	// ProviderTimeout is the per-provider HTTP request timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// AllowClientAPIKeys is recorded on the Gateway but not read by any
	// request path: client Authorization headers are never forwarded
	// upstream, and adapters always use the server's own configured
	// provider credentials.
	AllowClientAPIKeys bool

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses.
	// Default: 1h.
	CacheTTL time.Duration

	// TokenSafetyMargin is recorded on the Gateway but not read by it; the
	// token pre-charge estimate is inflated by the margin the TokenLimiter
	// given to SetTokenLimiter was built with (ratelimit.NewTokenLimiter).
	TokenSafetyMargin float64
}

// Gateway is the main proxy — all dependencies are injected via the
// constructor or setters so they can be replaced with mock doubles in unit
// tests.
type Gateway struct {
	registry   *providers.Registry
	dispatcher *Dispatcher
	cb         *CircuitBreaker
	cache      cache.Cache
	health     *HealthChecker
	baseCtx    context.Context
	log        *slog.Logger
	metrics    *metrics.Registry

	maxRetries      int
	providerTimeout time.Duration
	cacheTTL        time.Duration

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter      *ratelimit.RPMLimiter
	tokenLimiter    *ratelimit.TokenLimiter
	ddos            *ratelimit.DDoSShield
	apiKeyStore     ApiKeyStore
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList
	usageRecorder   UsageRecorder

	// CORS allowed origins. Empty slice means deny all; ["*"] means allow all.
	corsOrigins []string

	allowClientAPIKeys bool
	tokenSafetyMargin  float64
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, reg *providers.Registry, c cache.Cache) *Gateway {
	return NewGatewayWithOptions(ctx, reg, c, nil, GatewayOptions{})
}

// NewGatewayWithProbes creates a Gateway with an explicit probe for the cache
// backend, reported as the cache status of the health snapshot. GET /ready
// does not consult it.
func NewGatewayWithProbes(
	baseCtx context.Context,
	reg *providers.Registry,
	c cache.Cache,
	cacheReady func() bool,
) *Gateway {
	return NewGatewayWithOptions(baseCtx, reg, c, cacheReady, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. Use this when you
// need to customise the logger, circuit breaker thresholds, or failover
// limits.
func NewGatewayWithOptions(
	baseCtx context.Context,
	reg *providers.Registry,
	c cache.Cache,
	cacheReady func() bool,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if reg == nil {
		reg = providers.NewRegistry()
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	safetyMargin := opts.TokenSafetyMargin
	if safetyMargin <= 0 {
		safetyMargin = 1.0
	}

	cb := NewCircuitBreakerWithConfig(opts.CBConfig)

	gw := &Gateway{
		registry:           reg,
		cache:              c,
		cb:                 cb,
		baseCtx:            baseCtx,
		log:                log,
		maxRetries:         maxRetries,
		providerTimeout:    providerTimeout,
		cacheTTL:           cacheTTL,
		metrics:            opts.Metrics,
		allowClientAPIKeys: opts.AllowClientAPIKeys,
		tokenSafetyMargin:  safetyMargin,
	}
	gw.dispatcher = NewDispatcher(reg, cb, gw.metrics, log, maxRetries)

	if gw.metrics != nil {
		for id := range reg.Snapshot() {
			gw.metrics.SetCircuitBreaker(id, int64(cb.State(id)))
		}
	}

	gw.health = NewHealthChecker(baseCtx, reg, cacheReady, gw.metrics)

	return gw
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetTokenLimiter injects the token pre-charge/reconcile limiter (spec §4.5).
func (g *Gateway) SetTokenLimiter(tl *ratelimit.TokenLimiter) {
	g.tokenLimiter = tl
}

// SetDDoSShield injects the per-IP admission shield that runs ahead of auth
// (spec §4.5).
func (g *Gateway) SetDDoSShield(s *ratelimit.DDoSShield) {
	g.ddos = s
}

// SetApiKeyStore injects the persistent-store-backed API key lookup. When
// nil, every bearer token authenticates as an unrestricted anonymous key —
// this keeps the engine runnable standalone, without the external store
// collaborator (spec §6) wired in.
func (g *Gateway) SetApiKeyStore(store ApiKeyStore) {
	g.apiKeyStore = store
}

// SetLogger injects the async request logger (e.g. for ClickHouse or stdout).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// SetQueue injects the per-provider/global admission queue (spec §4.6).
// When not set, every candidate dispatches without an admission check.
func (g *Gateway) SetQueue(q *RequestQueue) {
	g.dispatcher.SetQueue(q)
}

// Breaker returns the Gateway's circuit breaker, for wiring the background
// breaker prober service (spec §9) that needs to query and reset it outside
// the request path.
func (g *Gateway) Breaker() *CircuitBreaker {
	return g.cb
}

// Registry returns the Gateway's provider registry, for the same reason
// Breaker does.
func (g *Gateway) Registry() *providers.Registry {
	return g.registry
}

// SetUsageRecorder injects the usage accumulator the reconciler service
// drains on an interval (spec §9). When nil, usage deltas are only ever
// visible through the per-request async log and the in-memory ApiKey
// counters, never persisted.
func (g *Gateway) SetUsageRecorder(r UsageRecorder) {
	g.usageRecorder = r
}

// ── Authentication ──────────────────────────────────────────────────────────

// anonymousKey is handed back by authenticate when no ApiKeyStore is
// configured: unrestricted permissions, no budgets, so the gateway remains
// usable without the external store collaborator wired in.
var anonymousKey = &providers.ApiKey{
	ID:            "anonymous",
	DisplayPrefix: "anon",
	Permissions: map[providers.Permission]bool{
		providers.PermChat:       true,
		providers.PermEmbeddings: true,
		providers.PermModels:     true,
	},
}

// authenticate extracts and validates the bearer credential.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*providers.ApiKey, bool) {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	token := parseBearerToken(raw)
	if token == "" {
		return nil, false
	}
	if g.apiKeyStore == nil {
		return anonymousKey, true
	}
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])
	key, ok := g.apiKeyStore.GetByHash(ctx, hash)
	if !ok || key == nil || !key.Active(time.Now()) {
		return nil, false
	}
	return key, true
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// admit runs the DDoS shield, authentication, permission check, model
// allowlist, and RPM rate limiting shared by chat and embeddings requests.
// On rejection it writes the appropriate error response itself and returns
// ok=false.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, reqID, model string, perm providers.Permission) (key *providers.ApiKey, ok bool) {
	if g.ddos != nil {
		ip := ctx.RemoteIP().String()
		if !g.ddos.Admit(ip, string(ctx.Path())) {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("ddos_blocked")
			}
			apierr.WriteAtCapacity(ctx, 60, reqID)
			return nil, false
		}
	}

	key, authed := g.authenticate(ctx)
	if !authed {
		apierr.WriteInvalidAPIKey(ctx, reqID)
		return nil, false
	}
	if !key.HasPermission(perm) {
		apierr.WriteForbidden(ctx, "api key lacks required permission", reqID)
		return nil, false
	}
	if model != "" && !key.AllowsModel(model) {
		apierr.WriteForbidden(ctx, fmt.Sprintf("api key is not permitted to use model %q", model), reqID)
		return nil, false
	}

	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			apierr.WriteRateLimit(ctx, 1)
			return nil, false
		}
		keyAllowed, err := g.rpmLimiter.AllowKey(ctx, key.ID, key.Budget.RequestsPerMinute)
		if err == nil && !keyAllowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("key_blocked")
			}
			apierr.WriteRateLimit(ctx, 1)
			return nil, false
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
	}

	return key, true
}

// ── Chat completions ────────────────────────────────────────────────────────

type inboundMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type inboundRequest struct {
	Model       string           `json:"model"`
	Messages    []inboundMessage `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming finalizes its own metrics when the stream drains
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	key, ok := g.admit(ctx, reqID, req.Model, providers.PermChat)
	if !ok {
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("api_key_id", key.ID),
		slog.Bool("stream", req.Stream),
	)

	candidates, err := g.registry.Resolve(req.Model, g.cb)
	if err != nil {
		g.writeResolveError(ctx, err, reqID)
		return
	}

	msgs := make([]adapter.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = adapter.Message{Role: m.Role, Content: m.Content}
	}
	adapterReq := &adapter.ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
	}

	estimated := 0
	if g.tokenLimiter != nil {
		estimated = g.tokenLimiter.Estimate(adapterReq, candidates[0].Mapping.MaxOutputTokens)
		admitted, err := g.tokenLimiter.PreCharge(ctx, key.ID, estimated, key.Budget.TokensPerMinute)
		if err == nil && !admitted {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("token_blocked")
			}
			apierr.WriteRateLimit(ctx, 1)
			return
		}
	}

	cacheEligible := !req.Stream && g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		cacheKey := buildCacheKey(req.Model, key.ID, req.Temperature, req.MaxTokens, msgs)
		if cachedBody, hit := g.cache.Get(ctx, cacheKey); hit {
			cacheLabel, cached, respBytes = "hit", true, len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			var cu normalize.ChatEnvelope
			if err := json.Unmarshal(cachedBody, &cu); err == nil && len(cu.Choices) > 0 {
				inputTokens = cu.Usage.PromptTokens
				outputTokens = cu.Usage.CompletionTokens
			}
			g.logRequest(reqID, servedProvider, req.Model, key.ID, 0, inputTokens, outputTokens, 0, time.Since(start), fasthttp.StatusOK, true)
			g.recordUsage(key.ID, inputTokens+outputTokens)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	if req.Stream {
		streaming = true
		streamCtx, streamCancel := context.WithCancel(provCtx)
		ch, usedProvider, err := g.dispatcher.DispatchChatStream(streamCtx, req.Model, adapterReq, KeyPriority(key.Priority))
		if err != nil {
			streamCancel()
			if g.metrics != nil {
				g.metrics.DecInFlight()
			}
			g.writeDispatchError(ctx, err, reqID)
			return
		}
		servedProvider = usedProvider
		capturedStart, capturedReqBytes, capturedRoute := start, reqBytes, route
		writeSSE(ctx, req.Model, reqID, ch, streamCancel, func(actualOutputTokens int) {
			defer streamCancel()
			if g.tokenLimiter != nil {
				g.tokenLimiter.Reconcile(g.baseCtx, key.ID, estimated, actualOutputTokens)
			}
			g.logRequest(reqID, usedProvider, req.Model, key.ID, 1, 0, actualOutputTokens, estimated, time.Since(capturedStart), fasthttp.StatusOK, false)
			g.recordUsage(key.ID, actualOutputTokens)
			if g.metrics != nil {
				dur := time.Since(capturedStart)
				g.metrics.ObserveHTTP(capturedRoute, fasthttp.StatusOK, dur, capturedReqBytes, -1)
				g.metrics.RecordRequest(usedProvider, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.ObserveGatewayRequest(usedProvider, capturedRoute, "bypass", dur)
				g.metrics.AddTokens(usedProvider, capturedRoute, 0, actualOutputTokens, false)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	res, usedProvider, attempts, err := g.dispatcher.DispatchChat(provCtx, req.Model, adapterReq, KeyPriority(key.Priority))
	if err != nil {
		g.writeDispatchError(ctx, err, reqID)
		g.logRequest(reqID, servedProvider, req.Model, key.ID, len(attempts), 0, 0, estimated, time.Since(start), fasthttp.StatusBadGateway, false)
		return
	}
	servedProvider = usedProvider

	if g.tokenLimiter != nil {
		g.tokenLimiter.Reconcile(g.baseCtx, key.ID, estimated, res.Usage.CompletionTokens)
	}

	env := normalize.Chat(res, req.Model, time.Now().Unix())
	body, err := json.Marshal(env)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if cacheEligible {
		cacheKey := buildCacheKey(req.Model, key.ID, req.Temperature, req.MaxTokens, msgs)
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	inputTokens, outputTokens = res.Usage.PromptTokens, res.Usage.CompletionTokens
	g.logRequest(reqID, usedProvider, req.Model, key.ID, len(attempts)+1, inputTokens, outputTokens, estimated, time.Since(start), fasthttp.StatusOK, false)
	g.recordUsage(key.ID, inputTokens+outputTokens)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// ── Embeddings ───────────────────────────────────────────────────────────────

type inboundEmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format"`
}

// parseEmbeddingInput converts the raw JSON "input" field into []string.
// The OpenAI API accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// dispatchEmbeddings handles POST /v1/embeddings.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens := 0
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, 0, false)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	key, ok := g.admit(ctx, reqID, req.Model, providers.PermEmbeddings)
	if !ok {
		return
	}

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("api_key_id", key.ID),
		slog.Int("inputs", len(inputs)),
	)

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	embReq := &adapter.EmbeddingsRequest{Model: req.Model, Input: inputs, RequestID: reqID}
	res, usedProvider, err := g.dispatcher.DispatchEmbeddings(provCtx, req.Model, embReq, KeyPriority(key.Priority))
	if err != nil {
		g.writeDispatchError(ctx, err, reqID)
		return
	}
	servedProvider = usedProvider

	env := normalize.Embeddings(res, req.Model)
	body, err := json.Marshal(env)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	inputTokens = res.Usage.PromptTokens

	g.logRequest(reqID, usedProvider, req.Model, key.ID, 0, inputTokens, 0, 0, time.Since(start), fasthttp.StatusOK, false)
	g.recordUsage(key.ID, inputTokens)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// ── Model catalog ────────────────────────────────────────────────────────────

// dispatchModels handles GET /v1/models, returning the union of external
// model ids exposed by enabled providers.
func (g *Gateway) dispatchModels(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)
	if _, ok := g.admit(ctx, reqID, "", providers.PermModels); !ok {
		return
	}

	ids := g.registry.ListModelIDs()
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	data := make([]modelEntry, len(ids))
	for i, id := range ids {
		data[i] = modelEntry{ID: id, Object: "model", OwnedBy: "llm-gateway"}
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// ── Shared helpers ───────────────────────────────────────────────────────────

func (g *Gateway) writeResolveError(ctx *fasthttp.RequestCtx, err error, reqID string) {
	var notFound *providers.ErrModelNotFound
	if errors.As(err, &notFound) {
		apierr.WriteModelNotFound(ctx, err.Error(), reqID)
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

// writeDispatchError maps a Dispatcher error to the §7 HTTP taxonomy: model-
// not-found passes through the registry's own status, adapter errors use
// their Kind, and everything else falls back to a transient-upstream 502.
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, err error, reqID string) {
	var notFound *providers.ErrModelNotFound
	if errors.As(err, &notFound) {
		apierr.WriteModelNotFound(ctx, err.Error(), reqID)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteAdapterError(ctx, &adapter.Error{Kind: adapter.ErrTimeout, Err: err}, reqID)
		return
	}
	var aerr *adapter.Error
	if errors.As(err, &aerr) {
		apierr.WriteAdapterError(ctx, aerr, reqID)
		return
	}
	apierr.WriteAdapterError(ctx, &adapter.Error{Kind: adapter.ErrTransientUpstream, Err: err}, reqID)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
// attempt is the 1-based number of the candidate try that ultimately served
// (or failed) the request (spec §4.3); estimatedTokens is the pre-charge
// figure from ratelimit.TokenLimiter.Estimate, logged alongside the actual
// input/output counts so reconciliation drift is visible without replaying
// the token-bucket ledger.
func (g *Gateway) logRequest(
	requestID, provider, model, apiKeyID string,
	attempt int,
	inputTokens, outputTokens, estimatedTokens int,
	latency time.Duration,
	status int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:              reqUUID,
		Provider:        provider,
		Model:           model,
		ApiKeyID:        apiKeyID,
		Attempt:         uint16(attempt),
		InputTokens:     uint32(inputTokens),
		OutputTokens:    uint32(outputTokens),
		EstimatedTokens: uint32(estimatedTokens),
		LatencyMs:       latencyMs,
		Status:          uint16(status),
		Cached:          isCached,
		CreatedAt:       time.Now(),
	})
}

// recordUsage buffers one request's token consumption against keyID in the
// usage accumulator. Never blocks and is a no-op when no recorder is
// configured.
func (g *Gateway) recordUsage(keyID string, tokens int) {
	if g.usageRecorder == nil {
		return
	}
	if tokens < 0 {
		tokens = 0
	}
	g.usageRecorder.Add(keyID, 1, uint64(tokens), time.Now())
}

// buildCacheKey returns a deterministic SHA-256 cache key for the request.
// The api-key id partitions the cache per caller to avoid leaking another
// caller's completion across a shared model namespace.
func buildCacheKey(model, apiKeyID string, temperature float64, maxTokens int, msgs []adapter.Message) string {
	data, _ := json.Marshal(struct {
		K    string            `json:"k"`
		M    string            `json:"m"`
		T    string            `json:"t"`
		MT   int               `json:"mt"`
		Msgs []adapter.Message `json:"msgs"`
	}{apiKeyID, model, fmt.Sprintf("%.2f", temperature), maxTokens, msgs})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}
