package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

// streamID derives a stable chunk id for one streaming response. Unlike the
// hardcoded "chatcmpl-stream" placeholder this replaces, every chunk of the
// same response carries the same id and distinct responses never collide.
func streamID(requestID string) string {
	if requestID != "" {
		return "chatcmpl-" + requestID
	}
	return "chatcmpl-" + uuid.NewString()
}

// writeSSE streams chat completion chunks from upstream as Server-Sent
// Events, preserving arrival order and flushing each chunk before the next
// upstream frame is read. cancel is invoked as soon as the client connection
// closes, so the adapter can abort the upstream call and release its
// container or socket. onComplete receives an estimated output token count,
// for async usage logging, once the stream has fully drained or, when a
// flush fails because the client went away, for what was emitted so far.
func writeSSE(ctx *fasthttp.RequestCtx, model, requestID string, chunks <-chan adapter.StreamChunk, cancel func(), onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := streamID(requestID)
	model = sanitizeModelField(model)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // writer panics if the client vanished mid-flush

		done := make(chan struct{})
		defer close(done)
		go watchDisconnect(ctx, cancel, done)

		var totalChars int
		report := func() {
			estimated := totalChars / 4
			if estimated == 0 && totalChars > 0 {
				estimated = 1
			}
			if onComplete != nil {
				onComplete(estimated)
			}
		}
		for chunk := range chunks {
			if chunk.Err != nil {
				writeErrorChunk(w, id, model, chunk.Err)
				break
			}

			totalChars += len(chunk.Content)
			writeDeltaChunk(w, id, model, chunk.Content, chunk.FinishReason)
			if err := w.Flush(); err != nil {
				// Client is gone; report what was emitted so far, stop
				// reading further upstream frames and let the disconnect
				// watchdog trip the cancellation handle.
				report()
				return
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		report()
	})
}

func writeDeltaChunk(w *bufio.Writer, id, model, content, finishReason string) {
	delta := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": chunkCreatedAt(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index": 0,
				"delta": map[string]string{"content": content},
				"finish_reason": func() any {
					if finishReason != "" {
						return finishReason
					}
					return nil
				}(),
			},
		},
	}
	data, _ := json.Marshal(delta)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// writeErrorChunk emits the terminal in-band error chunk for a stream that
// failed after its first byte: upstream failure past that point is never a
// new HTTP status, only a chunk with finish_reason "error".
func writeErrorChunk(w *bufio.Writer, id, model string, err error) {
	details := map[string]any{"message": err.Error()}
	if aerr, ok := err.(*adapter.Error); ok {
		details["kind"] = aerr.Kind.String()
		details["op"] = aerr.Op
	}
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": chunkCreatedAt(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"delta":         map[string]string{},
				"finish_reason": "error",
			},
		},
		"details": map[string]any{"error": details},
	}
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush() //nolint:errcheck
}

// watchDisconnect trips cancel as soon as the client connection closes
// (fasthttp closes ctx.Done() once the connection's context is torn down),
// which keeps detection latency bounded well inside the spec's 100ms budget
// since no polling interval sits between the close and the select waking up.
// done is closed when the stream finishes normally, so the watchdog never
// outlives its writer goroutine.
func watchDisconnect(ctx *fasthttp.RequestCtx, cancel func(), done <-chan struct{}) {
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
	}
}

// sanitizeModelField trims surrounding whitespace from a model id before it
// reaches the caller. It does not otherwise rewrite the id or strip any
// suffix from it.
func sanitizeModelField(model string) string {
	return strings.TrimSpace(model)
}

func chunkCreatedAt() int64 {
	return time.Now().Unix()
}
