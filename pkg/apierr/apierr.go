// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format, extended with the gateway's own
// error-kind taxonomy and per-request tracing fields.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

// ErrorType constants — the OpenAI-compatible "type" field plus the gateway
// extensions (permission_error, overloaded_error) the spec's taxonomy adds.
const (
	TypeProviderError     = "upstream_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeOverloadedErr     = "overloaded_error"
	TypeTimeoutErr        = "timeout_error"
	TypeServerError       = "internal_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
	CodeModelNotFound     = "model_not_found"
	CodeForbidden         = "forbidden"
	CodeAtCapacity        = "at_capacity"
)

// APIError is the structured error returned to clients. RequestID lets a
// caller correlate a failed response with server-side logs; Details carries
// kind-specific context (e.g. the in-band streaming error payload).
type (
	APIError struct {
		Message   string         `json:"message"`
		Type      string         `json:"type"`
		Code      string         `json:"code"`
		RequestID string         `json:"request_id,omitempty"`
		Details   map[string]any `json:"details,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteWithRequestID(ctx, status, message, errType, code, "")
}

// WriteWithRequestID is Write plus the request id that stays stable across
// every retry/fallback attempt for this call (spec §7).
func WriteWithRequestID(ctx *fasthttp.RequestCtx, status int, message, errType, code, requestID string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:   message,
		Type:      errType,
		Code:      code,
		RequestID: requestID,
	}})
	ctx.SetBody(body)
}

// kindTable maps each adapter.ErrKind onto its HTTP status, error type, and
// code, per the spec §7 table. Kinds outside this taxonomy (ModelNotFound,
// RateLimited, Forbidden, AtCapacity, InvalidApiKey) have no adapter.ErrKind
// counterpart — they originate above the adapter layer — so they get their
// own Write* helpers below instead of a table entry here.
var kindTable = map[adapter.ErrKind]struct {
	status int
	typ    string
	code   string
}{
	adapter.ErrTransientUpstream: {fasthttp.StatusBadGateway, TypeProviderError, CodeProviderError},
	adapter.ErrPermanentUpstream: {fasthttp.StatusBadGateway, TypeProviderError, CodeProviderError},
	adapter.ErrBadRequest:        {fasthttp.StatusBadRequest, TypeInvalidRequest, CodeInvalidRequest},
	adapter.ErrTimeout:           {fasthttp.StatusGatewayTimeout, TypeTimeoutErr, CodeRequestTimeout},
	adapter.ErrConfigError:       {fasthttp.StatusInternalServerError, TypeServerError, CodeInternalError},
}

// WriteAdapterError maps an *adapter.Error onto the gateway's HTTP error
// taxonomy (spec §7). ErrCancelled writes nothing — per the table, a
// cancelled request reports no body because the client is already gone.
func WriteAdapterError(ctx *fasthttp.RequestCtx, err *adapter.Error, requestID string) {
	if err.Kind == adapter.ErrCancelled {
		ctx.SetStatusCode(499)
		return
	}
	entry, ok := kindTable[err.Kind]
	if !ok {
		entry = kindTable[adapter.ErrTransientUpstream]
	}
	WriteWithRequestID(ctx, entry.status, err.Error(), entry.typ, entry.code, requestID)
}

// WriteModelNotFound writes the 404-class response for an unresolvable model id.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, message, requestID string) {
	WriteWithRequestID(ctx, fasthttp.StatusNotFound, message, TypeInvalidRequest, CodeModelNotFound, requestID)
}

// WriteInvalidAPIKey writes the 401-class authentication failure.
func WriteInvalidAPIKey(ctx *fasthttp.RequestCtx, requestID string) {
	WriteWithRequestID(ctx, fasthttp.StatusUnauthorized, "invalid API key", TypeAuthenticationErr, CodeInvalidAPIKey, requestID)
}

// WriteForbidden writes the 403-class scope/permission failure.
func WriteForbidden(ctx *fasthttp.RequestCtx, message, requestID string) {
	WriteWithRequestID(ctx, fasthttp.StatusForbidden, message, TypePermissionErr, CodeForbidden, requestID)
}

// WriteAtCapacity writes the 503-class queue-overflow response with a
// retry_after hint.
func WriteAtCapacity(ctx *fasthttp.RequestCtx, retryAfterSeconds int, requestID string) {
	ctx.Response.Header.Set("Retry-After", itoa(retryAfterSeconds))
	WriteWithRequestID(ctx, fasthttp.StatusServiceUnavailable, "at capacity", TypeOverloadedErr, CodeAtCapacity, requestID)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not mapped here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeTimeoutErr, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error with the given retry_after hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	ctx.Response.Header.Set("Retry-After", itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

func itoa(n int) string {
	if n <= 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
