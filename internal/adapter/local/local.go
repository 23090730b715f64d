// Package local implements the Local adapter variant (spec §4.1.4): same
// transport contract as the HTTP-SDK adapter, but targeting a loopback or
// LAN endpoint whose service type isn't known until probed. The first
// call triggers service-type auto-detection against a set of well-known
// paths; the result is cached until Invalidate is called (DryRun does so),
// mirroring the health checker's "probe once, cache, re-probe
// on a ticker" shape.
package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

// ServiceType identifies which wire shape a loopback/LAN endpoint speaks.
type ServiceType string

const (
	ServiceUnknown   ServiceType = ""
	ServiceOpenAI    ServiceType = "openai"  // vLLM, LocalAI, llama.cpp server, ...
	ServiceOllama    ServiceType = "ollama"  // Ollama's native /api/* surface
	ServiceUnreachable ServiceType = "unreachable"
)

// Local adapts a loopback/LAN inference server to adapter.Adapter. The
// service type is detected lazily on first use and cached; Invalidate
// forces re-detection.
type Local struct {
	baseURL string
	client  *http.Client

	mu          sync.Mutex
	serviceType ServiceType
	detectedAt  time.Time
}

// New builds a Local adapter targeting baseURL (e.g.
// "http://127.0.0.1:11434" for a local Ollama instance).
func New(baseURL string) *Local {
	return &Local{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (l *Local) Kind() adapter.Kind { return adapter.KindLocal }

// Invalidate clears the cached service-type detection, forcing the next
// call to re-probe. DryRun calls it; nothing else in the gateway does.
func (l *Local) Invalidate() {
	l.mu.Lock()
	l.serviceType = ServiceUnknown
	l.mu.Unlock()
}

// detect probes well-known paths to classify the endpoint, caching the
// result until Invalidate is called.
func (l *Local) detect(ctx context.Context) ServiceType {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.serviceType != ServiceUnknown {
		return l.serviceType
	}

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	// Ollama exposes GET /api/tags for its model listing.
	if l.probeGet(probeCtx, "/api/tags") {
		l.serviceType = ServiceOllama
		l.detectedAt = time.Now()
		return l.serviceType
	}
	// OpenAI-compatible servers expose GET /v1/models.
	if l.probeGet(probeCtx, "/v1/models") {
		l.serviceType = ServiceOpenAI
		l.detectedAt = time.Now()
		return l.serviceType
	}

	l.serviceType = ServiceUnreachable
	l.detectedAt = time.Now()
	return l.serviceType
}

func (l *Local) probeGet(ctx context.Context, path string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+path, nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (l *Local) ChatCompletion(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResult, error) {
	switch l.detect(ctx) {
	case ServiceOllama:
		return l.ollamaChat(ctx, req)
	case ServiceOpenAI:
		return l.openaiChat(ctx, req, false)
	default:
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "chat", Err: fmt.Errorf("local: endpoint %s did not respond to any known probe path", l.baseURL)}
	}
}

func (l *Local) ChatCompletionStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	switch l.detect(ctx) {
	case ServiceOllama:
		return l.ollamaChatStream(ctx, req)
	case ServiceOpenAI:
		return l.openaiChatStream(ctx, req)
	default:
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "chat_stream", Err: fmt.Errorf("local: endpoint %s did not respond to any known probe path", l.baseURL)}
	}
}

func (l *Local) Embeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	switch l.detect(ctx) {
	case ServiceOllama:
		return l.ollamaEmbeddings(ctx, req)
	case ServiceOpenAI:
		return l.openaiEmbeddings(ctx, req)
	default:
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "embeddings", Err: fmt.Errorf("local: endpoint %s did not respond to any known probe path", l.baseURL)}
	}
}

func (l *Local) ListModels(ctx context.Context) ([]adapter.ModelInfo, error) {
	switch l.detect(ctx) {
	case ServiceOllama:
		return l.ollamaListModels(ctx)
	case ServiceOpenAI:
		return l.openaiListModels(ctx)
	default:
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "list_models", Err: fmt.Errorf("local: endpoint %s did not respond to any known probe path", l.baseURL)}
	}
}

func (l *Local) HealthProbe(ctx context.Context) error {
	st := l.detect(ctx)
	if st == ServiceUnreachable {
		return &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "health_probe", Err: fmt.Errorf("local: endpoint %s unreachable", l.baseURL)}
	}
	return nil
}

func (l *Local) DryRun(ctx context.Context) error {
	l.Invalidate()
	return l.HealthProbe(ctx)
}

// ─── OpenAI-compatible wire shape (vLLM, LocalAI, llama.cpp server) ───────

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openaiChoice struct {
	Message      *openaiMessage `json:"message,omitempty"`
	Delta        *openaiMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason"`
}

type openaiChatResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (l *Local) openaiChat(ctx context.Context, req *adapter.ChatRequest, stream bool) (*adapter.ChatResult, error) {
	msgs := make([]openaiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openaiMessage{Role: m.Role, Content: m.Content}
	}
	payload, err := json.Marshal(openaiChatRequest{Model: req.Model, Messages: msgs, Temperature: req.Temperature, MaxTokens: req.MaxTokens})
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "chat", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, l.classifyTransportError("chat", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, l.classifyStatusError("chat", resp.StatusCode)
	}

	var wr openaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat", Err: err}
	}
	content, finish := "", ""
	if len(wr.Choices) > 0 && wr.Choices[0].Message != nil {
		content = wr.Choices[0].Message.Content
		finish = wr.Choices[0].FinishReason
	}
	return &adapter.ChatResult{
		ID: wr.ID, Model: wr.Model, Content: content, FinishReason: finish,
		Usage: adapter.Usage{PromptTokens: wr.Usage.PromptTokens, CompletionTokens: wr.Usage.CompletionTokens, TotalTokens: wr.Usage.PromptTokens + wr.Usage.CompletionTokens},
	}, nil
}

func (l *Local) openaiChatStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	msgs := make([]openaiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openaiMessage{Role: m.Role, Content: m.Content}
	}
	payload, err := json.Marshal(openaiChatRequest{Model: req.Model, Messages: msgs, Stream: true, Temperature: req.Temperature, MaxTokens: req.MaxTokens})
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat_stream", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "chat_stream", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, l.classifyTransportError("chat_stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, l.classifyStatusError("chat_stream", resp.StatusCode)
	}

	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}
			var wr openaiChatResponse
			if json.Unmarshal([]byte(data), &wr) != nil || len(wr.Choices) == 0 || wr.Choices[0].Delta == nil {
				continue
			}
			ch <- adapter.StreamChunk{Content: wr.Choices[0].Delta.Content, FinishReason: wr.Choices[0].FinishReason}
		}
		if err := scanner.Err(); err != nil {
			ch <- adapter.StreamChunk{FinishReason: "error", Err: &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat_stream", Err: err}}
		}
	}()
	return ch, nil
}

func (l *Local) openaiEmbeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	payload, err := json.Marshal(struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: req.Model, Input: req.Input})
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "embeddings", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "embeddings", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, l.classifyTransportError("embeddings", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, l.classifyStatusError("embeddings", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "embeddings", Err: err}
	}
	data := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		data[i] = d.Embedding
	}
	return &adapter.EmbeddingsResult{Model: req.Model, Data: data}, nil
}

func (l *Local) openaiListModels(ctx context.Context) ([]adapter.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "list_models", Err: err}
	}
	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, l.classifyTransportError("list_models", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, l.classifyStatusError("list_models", resp.StatusCode)
	}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "list_models", Err: err}
	}
	models := make([]adapter.ModelInfo, len(out.Data))
	for i, m := range out.Data {
		models[i] = adapter.ModelInfo{ID: m.ID}
	}
	return models, nil
}

// ─── Ollama native wire shape ──────────────────────────────────────────────

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func (l *Local) ollamaChat(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResult, error) {
	msgs := make([]ollamaMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ollamaMessage{Role: m.Role, Content: m.Content}
	}
	payload, err := json.Marshal(ollamaChatRequest{Model: req.Model, Messages: msgs})
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "chat", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, l.classifyTransportError("chat", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, l.classifyStatusError("chat", resp.StatusCode)
	}

	var wr ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat", Err: err}
	}
	return &adapter.ChatResult{
		Model: req.Model, Content: wr.Message.Content, FinishReason: "stop",
		Usage: adapter.Usage{PromptTokens: wr.PromptEvalCount, CompletionTokens: wr.EvalCount, TotalTokens: wr.PromptEvalCount + wr.EvalCount},
	}, nil
}

func (l *Local) ollamaChatStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	msgs := make([]ollamaMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ollamaMessage{Role: m.Role, Content: m.Content}
	}
	payload, err := json.Marshal(ollamaChatRequest{Model: req.Model, Messages: msgs, Stream: true})
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat_stream", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "chat_stream", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, l.classifyTransportError("chat_stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, l.classifyStatusError("chat_stream", resp.StatusCode)
	}

	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		dec := json.NewDecoder(resp.Body)
		for dec.More() {
			var wr ollamaChatResponse
			if dec.Decode(&wr) != nil {
				return
			}
			finish := ""
			if wr.Done {
				finish = "stop"
			}
			if wr.Message.Content != "" || finish != "" {
				ch <- adapter.StreamChunk{Content: wr.Message.Content, FinishReason: finish}
			}
		}
	}()
	return ch, nil
}

func (l *Local) ollamaEmbeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	data := make([][]float32, len(req.Input))
	for i, text := range req.Input {
		payload, err := json.Marshal(struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}{Model: req.Model, Prompt: text})
		if err != nil {
			return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "embeddings", Err: err}
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/embeddings", bytes.NewReader(payload))
		if err != nil {
			return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "embeddings", Err: err}
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := l.client.Do(httpReq)
		if err != nil {
			return nil, l.classifyTransportError("embeddings", err)
		}
		var out struct {
			Embedding []float32 `json:"embedding"`
		}
		decErr := json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, l.classifyStatusError("embeddings", resp.StatusCode)
		}
		if decErr != nil {
			return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "embeddings", Err: decErr}
		}
		data[i] = out.Embedding
	}
	return &adapter.EmbeddingsResult{Model: req.Model, Data: data}, nil
}

func (l *Local) ollamaListModels(ctx context.Context) ([]adapter.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "list_models", Err: err}
	}
	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, l.classifyTransportError("list_models", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, l.classifyStatusError("list_models", resp.StatusCode)
	}
	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "list_models", Err: err}
	}
	models := make([]adapter.ModelInfo, len(out.Models))
	for i, m := range out.Models {
		models[i] = adapter.ModelInfo{ID: m.Name}
	}
	return models, nil
}

func (l *Local) classifyTransportError(op string, err error) *adapter.Error {
	if err == context.DeadlineExceeded {
		return &adapter.Error{Kind: adapter.ErrTimeout, Op: op, Err: err}
	}
	if err == context.Canceled {
		return &adapter.Error{Kind: adapter.ErrCancelled, Op: op, Err: err}
	}
	return &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: op, Err: fmt.Errorf("local: %w", err)}
}

func (l *Local) classifyStatusError(op string, status int) *adapter.Error {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: op, Err: fmt.Errorf("local: status %d", status)}
	case status >= 400:
		return &adapter.Error{Kind: adapter.ErrBadRequest, Op: op, Err: fmt.Errorf("local: status %d", status)}
	default:
		return &adapter.Error{Kind: adapter.ErrPermanentUpstream, Op: op, Err: fmt.Errorf("local: status %d", status)}
	}
}
