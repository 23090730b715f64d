package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

// preChargeScript atomically adds the estimated charge to the current
// minute's bucket and reports whether the bucket is still within limit. If
// the charge would exceed it, the increment is rolled back in the same
// round trip so a rejected request leaves no residue in the ledger.
// KEYS[1] = bucket key
// ARGV[1] = estimated tokens to charge
// ARGV[2] = limit
// ARGV[3] = bucket TTL in seconds
// Returns: 1 if admitted, 0 if it would exceed the limit.
var preChargeScript = redis.NewScript(`
	local key   = KEYS[1]
	local cost  = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local ttl   = tonumber(ARGV[3])

	local total = redis.call('INCRBY', key, cost)
	if total > limit then
		redis.call('DECRBY', key, cost)
		return 0
	end
	redis.call('EXPIRE', key, ttl)
	return 1
`)

// Tokenizer estimates token counts for a set of chat messages under the
// encoding the given model actually uses. Implemented by tiktokenEstimator;
// swappable in tests.
type Tokenizer interface {
	CountMessages(model string, messages []adapter.Message) (int, error)
}

// tiktokenEstimator wraps a lazily-initialized tiktoken encoding. Unknown
// models fall back to cl100k_base, matching the prefix-match-then-default
// behavior of the chat-completion tokenizers this is grounded on.
type tiktokenEstimator struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

func newTiktokenEstimator() *tiktokenEstimator {
	return &tiktokenEstimator{encs: make(map[string]*tiktoken.Tiktoken)}
}

func (e *tiktokenEstimator) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	name := encodingName(model)

	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encs[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("token estimator: init encoding %s: %w", name, err)
	}
	e.encs[name] = enc
	return enc, nil
}

func encodingName(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-4o"):
		return "o200k_base"
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"), strings.HasPrefix(model, "text-embedding-3"):
		return "cl100k_base"
	default:
		return "cl100k_base"
	}
}

// CountMessages estimates prompt token usage the same way OpenAI's own
// chat-completion framing does: a small per-message overhead plus the
// encoded length of role and content, then a fixed conversation-end
// overhead.
func (e *tiktokenEstimator) CountMessages(model string, messages []adapter.Message) (int, error) {
	enc, err := e.encodingFor(model)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, msg := range messages {
		total += 4
		total += len(enc.Encode(msg.Content, nil, nil))
		total += len(enc.Encode(msg.Role, nil, nil))
	}
	total += 3
	return total, nil
}

// lengthHeuristicEstimator is the degraded fallback for vendor/model
// combinations with no known tiktoken encoding: roughly 4 characters per
// token, matching the teacher's original len/4 estimate.
type lengthHeuristicEstimator struct{}

func (lengthHeuristicEstimator) CountMessages(_ string, messages []adapter.Message) (int, error) {
	chars := 0
	for _, msg := range messages {
		chars += len(msg.Content) + len(msg.Role)
	}
	est := chars / 4
	if est == 0 && chars > 0 {
		est = 1
	}
	return est, nil
}

// TokenLimiter implements the pre-charge/reconcile token layer (spec §4.5):
// an estimated cost is deducted from the caller's per-minute token budget
// before the request is dispatched; once the real usage is known, the
// difference between estimate and actual is reconciled back into the same
// minute bucket.
type TokenLimiter struct {
	rdb          *redis.Client
	tokenizer    Tokenizer
	fallback     Tokenizer
	safetyMargin float64
}

// NewTokenLimiter builds a TokenLimiter. safetyMargin inflates every
// estimate (e.g. 1.1 adds a 10% cushion) to keep the pre-charge from
// routinely under-shooting actual usage, which would let callers exceed
// their budget by the reconciliation lag of one in-flight request.
func NewTokenLimiter(rdb *redis.Client, safetyMargin float64) *TokenLimiter {
	if safetyMargin <= 0 {
		safetyMargin = 1.0
	}
	return &TokenLimiter{
		rdb:          rdb,
		tokenizer:    newTiktokenEstimator(),
		fallback:     lengthHeuristicEstimator{},
		safetyMargin: safetyMargin,
	}
}

// Estimate computes the bounded pre-charge cost for req: the tokenizer's
// estimate over the message content, plus the smaller of the caller's
// requested max_tokens and the model's max output tokens (the worst-case
// completion cost), inflated by the configured safety margin. If the
// tokenizer fails (unknown vendor shape, init error), it falls back to the
// length heuristic rather than rejecting the request outright.
func (l *TokenLimiter) Estimate(req *adapter.ChatRequest, modelMaxOutputTokens int) int {
	promptTokens, err := l.tokenizer.CountMessages(req.Model, req.Messages)
	if err != nil {
		promptTokens, _ = l.fallback.CountMessages(req.Model, req.Messages)
	}

	completionCeiling := modelMaxOutputTokens
	if req.MaxTokens > 0 && req.MaxTokens < completionCeiling {
		completionCeiling = req.MaxTokens
	}
	if completionCeiling < 0 {
		completionCeiling = 0
	}

	total := float64(promptTokens+completionCeiling) * l.safetyMargin
	return int(total + 0.5)
}

// PreCharge deducts estimated tokens from apiKeyID's current-minute budget
// and reports whether the request may proceed. limit <= 0 admits
// unconditionally (no token budget configured for this key) without
// touching the ledger.
func (l *TokenLimiter) PreCharge(ctx context.Context, apiKeyID string, estimated, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := bucketKey(apiKeyID)
	result, err := preChargeScript.Run(ctx, l.rdb, []string{key}, estimated, limit, 60).Int()
	if err != nil {
		// Redis unavailable — admit and let downstream admission layers
		// (RPM limiter, circuit breaker) continue to guard capacity.
		return true, nil
	}
	return result == 1, nil
}

// Reconcile adjusts apiKeyID's current-minute ledger by the difference
// between what was pre-charged and what was actually used. A negative
// delta (actual < estimated) refunds the overcharge; a positive delta
// charges the shortfall. Reconciliation is best-effort: a failure here
// never fails the already-completed request.
func (l *TokenLimiter) Reconcile(ctx context.Context, apiKeyID string, estimated, actual int) error {
	delta := actual - estimated
	if delta == 0 {
		return nil
	}
	key := bucketKey(apiKeyID)
	return l.rdb.IncrBy(ctx, key, int64(delta)).Err()
}

func bucketKey(apiKeyID string) string {
	bucket := time.Now().Unix() / 60
	return fmt.Sprintf("ratelimit:key:%s:tpm:%d", apiKeyID, bucket)
}
