// Package proxy implements the Proxy adapter variant (spec §4.1.3):
// near-verbatim forwarding of an OpenAI-shaped request to another
// OpenAI-compatible endpoint. It differs from httpsdk.Generic in that it
// doesn't go through the openai-go SDK's request builder at all — the
// inbound wire shape passes through with only header rewriting and an
// injected auth header, since the response is already OpenAI-shaped and
// needs no SDK-level reshaping.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

// AuthMode selects how the injected auth header is formed.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBearer AuthMode = "bearer"
	AuthAPIKey AuthMode = "api_key" // header name configurable via APIKeyHeader
)

// Config describes one proxy target.
type Config struct {
	BaseURL         string
	AuthMode        AuthMode
	Credential      string
	APIKeyHeader    string   // used when AuthMode == AuthAPIKey; defaults to "api-key"
	ForwardHeaders  []string // caller headers allowed to pass through verbatim
	Timeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = "api-key"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Proxy forwards chat/embeddings calls essentially verbatim to another
// OpenAI-compatible HTTP endpoint.
type Proxy struct {
	cfg    Config
	client *http.Client
}

// New builds a Proxy adapter targeting cfg.BaseURL.
func New(cfg Config) *Proxy {
	cfg = cfg.withDefaults()
	return &Proxy{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *Proxy) Kind() adapter.Kind { return adapter.KindProxy }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireChatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
	Error   *wireAPIErr  `json:"error,omitempty"`
}

type wireAPIErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (p *Proxy) applyAuth(req *http.Request) {
	switch p.cfg.AuthMode {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+p.cfg.Credential)
	case AuthAPIKey:
		req.Header.Set(p.cfg.APIKeyHeader, p.cfg.Credential)
	}
}

// applyForwardedHeaders copies only the operator-allowlisted headers from
// ctx (attached by the gateway) onto the outbound request; everything else
// is dropped.
func (p *Proxy) applyForwardedHeaders(ctx context.Context, req *http.Request) {
	hdrs, _ := ctx.Value(forwardHeadersKey{}).(http.Header)
	for _, name := range p.cfg.ForwardHeaders {
		if v := hdrs.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
}

type forwardHeadersKey struct{}

// WithForwardHeaders attaches the caller's inbound headers to ctx so
// Proxy can selectively re-forward them per Config.ForwardHeaders. The
// gateway does not call it, so requests it dispatches carry no forwarded
// caller headers.
func WithForwardHeaders(ctx context.Context, hdrs http.Header) context.Context {
	return context.WithValue(ctx, forwardHeadersKey{}, hdrs)
}

func (p *Proxy) ChatCompletion(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResult, error) {
	body, err := json.Marshal(toWireRequest(req, false))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "chat", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.applyAuth(httpReq)
	p.applyForwardedHeaders(ctx, httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.classifyTransportError("chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.classifyStatusError("chat", resp)
	}

	var wr wireChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat", Err: fmt.Errorf("proxy: decode: %w", err)}
	}

	content := ""
	finish := ""
	if len(wr.Choices) > 0 && wr.Choices[0].Message != nil {
		content = wr.Choices[0].Message.Content
		finish = wr.Choices[0].FinishReason
	}

	return &adapter.ChatResult{
		ID:           wr.ID,
		Model:        wr.Model,
		Content:      content,
		FinishReason: finish,
		Usage: adapter.Usage{
			PromptTokens:     wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
			TotalTokens:      wr.Usage.TotalTokens,
		},
	}, nil
}

func (p *Proxy) ChatCompletionStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	body, err := json.Marshal(toWireRequest(req, true))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat_stream", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "chat_stream", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	p.applyAuth(httpReq)
	p.applyForwardedHeaders(ctx, httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.classifyTransportError("chat_stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.classifyStatusError("chat_stream", resp)
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
			var wr wireChatResponse
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

func (p *Proxy) Embeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	body, err := json.Marshal(struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: req.Model, Input: req.Input})
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "embeddings", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "embeddings", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.applyAuth(httpReq)
	p.applyForwardedHeaders(ctx, httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.classifyTransportError("embeddings", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.classifyStatusError("embeddings", resp)
	}

	var out struct {
		Model string `json:"model"`
		Data  []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage wireUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "embeddings", Err: err}
	}

	data := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		data[i] = d.Embedding
	}

	return &adapter.EmbeddingsResult{
		Model: out.Model,
		Data:  data,
		Usage: adapter.Usage{PromptTokens: out.Usage.PromptTokens, TotalTokens: out.Usage.TotalTokens},
	}, nil
}

func (p *Proxy) ListModels(ctx context.Context) ([]adapter.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "list_models", Err: err}
	}
	p.applyAuth(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.classifyTransportError("list_models", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, p.classifyStatusError("list_models", resp)
	}

	var out struct {
		Data []struct {
			ID      string `json:"id"`
			Created int64  `json:"created"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "list_models", Err: err}
	}
	models := make([]adapter.ModelInfo, len(out.Data))
	for i, m := range out.Data {
		models[i] = adapter.ModelInfo{ID: m.ID, Created: m.Created}
	}
	return models, nil
}

func (p *Proxy) HealthProbe(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}

func (p *Proxy) DryRun(ctx context.Context) error {
	return p.HealthProbe(ctx)
}

func toWireRequest(req *adapter.ChatRequest, stream bool) wireChatRequest {
	msgs := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	return wireChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func (p *Proxy) classifyTransportError(op string, err error) *adapter.Error {
	if err == context.DeadlineExceeded {
		return &adapter.Error{Kind: adapter.ErrTimeout, Op: op, Err: err}
	}
	if err == context.Canceled {
		return &adapter.Error{Kind: adapter.ErrCancelled, Op: op, Err: err}
	}
	return &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: op, Err: fmt.Errorf("proxy: %w", err)}
}

func (p *Proxy) classifyStatusError(op string, resp *http.Response) *adapter.Error {
	body, _ := io.ReadAll(resp.Body)
	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	var wr wireChatResponse
	if json.Unmarshal(body, &wr) == nil && wr.Error != nil && wr.Error.Message != "" {
		msg = wr.Error.Message
	}
	return &adapter.Error{Kind: statusToKind(resp.StatusCode), Op: op, Err: fmt.Errorf("proxy: %s (status=%d)", msg, resp.StatusCode)}
}

func statusToKind(status int) adapter.ErrKind {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return adapter.ErrTransientUpstream
	case status >= 400:
		return adapter.ErrBadRequest
	default:
		return adapter.ErrPermanentUpstream
	}
}
