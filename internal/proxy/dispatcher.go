package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// Dispatcher resolves a caller's requested model to an ordered candidate
// list (providers.Registry.Resolve, spec §4.2) and walks it with breaker-
// aware retry/fallback (spec §4.3). It has no knowledge of HTTP: Gateway
// wraps it with auth, rate limiting, and wire-format concerns.
type Dispatcher struct {
	registry   *providers.Registry
	breaker    *CircuitBreaker
	metrics    *metrics.Registry
	log        *slog.Logger
	maxRetries int
	queue      *RequestQueue
}

// NewDispatcher builds a Dispatcher. maxRetries <= 0 falls back to
// providers.MaxRetries.
func NewDispatcher(reg *providers.Registry, cb *CircuitBreaker, m *metrics.Registry, log *slog.Logger, maxRetries int) *Dispatcher {
	if maxRetries <= 0 {
		maxRetries = providers.MaxRetries
	}
	return &Dispatcher{registry: reg, breaker: cb, metrics: m, log: log, maxRetries: maxRetries}
}

// SetQueue injects the per-provider/global admission queue (spec §4.6). When
// nil (the default), every candidate dispatches immediately with no
// admission check, same as before this existed.
func (d *Dispatcher) SetQueue(q *RequestQueue) {
	d.queue = q
}

// admit blocks on the queue, if one is configured, for a single candidate
// attempt. A nil queue or nil release func means "proceed immediately".
func (d *Dispatcher) admit(ctx context.Context, providerID string, priority Priority) (func(), error) {
	if d.queue == nil {
		return func() {}, nil
	}
	release, err := d.queue.Acquire(ctx, providerID, priority)
	if err != nil {
		return nil, err
	}
	return release, nil
}

// KeyPriority maps an ApiKey's stored Priority (spec §4.6: 0=normal,
// 1=high, 2=low) onto the queue's own Priority scale (PriorityHigh=0,
// PriorityNormal=1, PriorityLow=2 — lowest value served first). Unknown
// values fall back to PriorityNormal rather than rejecting the request.
func KeyPriority(apiKeyPriority int) Priority {
	switch apiKeyPriority {
	case 1:
		return PriorityHigh
	case 2:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Attempt describes one candidate try, used by callers that need to log
// failover transitions (e.g. the async usage logger). Attempt is the 1-based
// try number within this dispatch, so retried requests can be correlated
// across outbound metrics and the request log (spec §4.3).
type Attempt struct {
	ProviderID string
	Attempt    int
	Err        error
}

// DispatchChat resolves externalModel and attempts each candidate in order
// until one succeeds or candidates/maxRetries are exhausted. The returned
// providerID identifies which provider actually served the response
// (needed for usage accounting and the model field in the OpenAI envelope
// substitution).
func (d *Dispatcher) DispatchChat(ctx context.Context, externalModel string, req *adapter.ChatRequest, priority Priority) (result *adapter.ChatResult, providerID string, attempts []Attempt, err error) {
	candidates, err := d.registry.Resolve(externalModel, d.breaker)
	if err != nil {
		return nil, "", nil, err
	}

	tries := 0
	for _, cand := range candidates {
		if tries >= d.maxRetries {
			break
		}
		if !d.breaker.Allow(cand.Provider.ID) {
			d.recordBreakerReject(ctx, cand.Provider.ID, req.RequestID)
			continue
		}

		release, admitErr := d.admit(ctx, cand.Provider.ID, priority)
		if admitErr != nil {
			if _, full := admitErr.(*ErrQueueFull); full {
				continue
			}
			return nil, "", attempts, admitErr
		}

		counters := cand.Provider.CountersRef()
		counters.IncInFlight()
		start := time.Now()
		internalReq := *req
		internalReq.Model = cand.Mapping.InternalID
		res, callErr := cand.Provider.Adapter.ChatCompletion(ctx, &internalReq)
		dur := time.Since(start)
		release()
		counters.DecInFlight()
		counters.RecordRequest()
		tries++

		if callErr == nil {
			d.breaker.RecordSuccess(cand.Provider.ID)
			d.observeAttempt(cand.Provider.ID, "chat", "success", tries, dur)
			if res != nil {
				res.Model = externalModel
			}
			return res, cand.Provider.ID, attempts, nil
		}

		counters.RecordError()
		aerr := asAdapterError(callErr)
		if aerr.TripsBreaker() {
			d.breaker.RecordFailure(cand.Provider.ID)
		}
		attempts = append(attempts, Attempt{ProviderID: cand.Provider.ID, Attempt: tries, Err: callErr})
		d.observeAttempt(cand.Provider.ID, "chat", aerr.Kind.String(), tries, dur)
		d.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", cand.Provider.ID),
			slog.String("reason", aerr.Kind.String()),
			slog.String("error", callErr.Error()),
		)

		if !aerr.Retryable() {
			return nil, "", attempts, callErr
		}
	}

	if len(attempts) == 0 {
		return nil, "", attempts, fmt.Errorf("dispatcher: no eligible provider for model %q (all circuits open or exhausted)", externalModel)
	}
	last := attempts[len(attempts)-1]
	return nil, "", attempts, fmt.Errorf("dispatcher: all candidates failed after %d attempt(s): %w", tries, last.Err)
}

// DispatchChatStream is DispatchChat's streaming counterpart. Fallback only
// happens before the first chunk is produced — once upstream bytes start
// flowing, ownership passes to the streaming pipeline (spec §3 Ownership,
// §4.4).
func (d *Dispatcher) DispatchChatStream(ctx context.Context, externalModel string, req *adapter.ChatRequest, priority Priority) (stream <-chan adapter.StreamChunk, providerID string, err error) {
	candidates, err := d.registry.Resolve(externalModel, d.breaker)
	if err != nil {
		return nil, "", err
	}

	tries := 0
	var lastErr error
	for _, cand := range candidates {
		if tries >= d.maxRetries {
			break
		}
		if !d.breaker.Allow(cand.Provider.ID) {
			d.recordBreakerReject(ctx, cand.Provider.ID, req.RequestID)
			continue
		}

		release, admitErr := d.admit(ctx, cand.Provider.ID, priority)
		if admitErr != nil {
			if _, full := admitErr.(*ErrQueueFull); full {
				continue
			}
			return nil, "", admitErr
		}

		internalReq := *req
		internalReq.Model = cand.Mapping.InternalID
		start := time.Now()
		ch, callErr := cand.Provider.Adapter.ChatCompletionStream(ctx, &internalReq)
		// The queue slot covers admission only, not the lifetime of the
		// stream itself — streaming responses can run far longer than a
		// typical request and must not hold a concurrency slot the whole
		// time.
		release()
		tries++
		if callErr == nil {
			d.breaker.RecordSuccess(cand.Provider.ID)
			d.observeAttempt(cand.Provider.ID, "chat_stream", "success", tries, time.Since(start))
			return ch, cand.Provider.ID, nil
		}

		aerr := asAdapterError(callErr)
		if aerr.TripsBreaker() {
			d.breaker.RecordFailure(cand.Provider.ID)
		}
		lastErr = callErr
		d.observeAttempt(cand.Provider.ID, "chat_stream", aerr.Kind.String(), tries, time.Since(start))
		if !aerr.Retryable() {
			return nil, "", callErr
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dispatcher: no eligible provider for model %q", externalModel)
	}
	return nil, "", lastErr
}

// DispatchEmbeddings mirrors DispatchChat for the embeddings operation.
func (d *Dispatcher) DispatchEmbeddings(ctx context.Context, externalModel string, req *adapter.EmbeddingsRequest, priority Priority) (result *adapter.EmbeddingsResult, providerID string, err error) {
	candidates, err := d.registry.ResolveEmbeddings(externalModel, d.breaker)
	if err != nil {
		return nil, "", err
	}

	tries := 0
	var lastErr error
	for _, cand := range candidates {
		if tries >= d.maxRetries {
			break
		}
		if !d.breaker.Allow(cand.Provider.ID) {
			continue
		}

		release, admitErr := d.admit(ctx, cand.Provider.ID, priority)
		if admitErr != nil {
			if _, full := admitErr.(*ErrQueueFull); full {
				continue
			}
			return nil, "", admitErr
		}

		internalReq := *req
		internalReq.Model = cand.Mapping.InternalID
		start := time.Now()
		res, callErr := cand.Provider.Adapter.Embeddings(ctx, &internalReq)
		release()
		tries++
		if callErr == nil {
			d.breaker.RecordSuccess(cand.Provider.ID)
			d.observeAttempt(cand.Provider.ID, "embeddings", "success", tries, time.Since(start))
			if res != nil {
				res.Model = externalModel
			}
			return res, cand.Provider.ID, nil
		}

		aerr := asAdapterError(callErr)
		if aerr.TripsBreaker() {
			d.breaker.RecordFailure(cand.Provider.ID)
		}
		lastErr = callErr
		d.observeAttempt(cand.Provider.ID, "embeddings", aerr.Kind.String(), tries, time.Since(start))
		if !aerr.Retryable() {
			return nil, "", callErr
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dispatcher: no eligible embeddings provider for model %q", externalModel)
	}
	return nil, "", lastErr
}

func (d *Dispatcher) recordBreakerReject(ctx context.Context, providerID, requestID string) {
	d.log.WarnContext(ctx, "circuit_breaker_open",
		slog.String("request_id", requestID),
		slog.String("provider", providerID),
	)
	if d.metrics != nil {
		d.metrics.RecordCircuitBreakerRejection(providerID, d.breaker.StateLabel(providerID))
	}
}

// observeAttempt records one candidate try's outcome, tagged with its 1-based
// attempt number within the dispatch (spec §4.3: retries MUST include
// attempt number in outbound metrics).
func (d *Dispatcher) observeAttempt(providerID, route, outcome string, attempt int, dur time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.ObserveUpstreamAttempt(providerID, route, outcome, attempt, dur)
	d.metrics.SetCircuitBreaker(providerID, int64(d.breaker.State(providerID)))
}

// asAdapterError normalizes any error returned by an Adapter into an
// *adapter.Error so the dispatcher always has a Kind to branch on, even if
// an adapter implementation returned a bare error.
func asAdapterError(err error) *adapter.Error {
	if aerr, ok := err.(*adapter.Error); ok {
		return aerr
	}
	if err == context.DeadlineExceeded {
		return &adapter.Error{Kind: adapter.ErrTimeout, Err: err}
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		if status >= 500 {
			return &adapter.Error{Kind: adapter.ErrTransientUpstream, Err: err}
		}
		return &adapter.Error{Kind: adapter.ErrBadRequest, Err: err}
	}
	return &adapter.Error{Kind: adapter.ErrTransientUpstream, Err: err}
}
