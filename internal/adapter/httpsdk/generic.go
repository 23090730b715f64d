// Package httpsdk implements the HTTP-SDK adapter variant (spec §4.1): any
// vendor reachable over a stable HTTP client library, without a sandboxed
// child process or hand-rolled proxy forwarding. Generic serves every
// OpenAI-wire-compatible vendor (xAI, Groq, DeepSeek, Together AI,
// Perplexity, Cerebras, ...) through one adapter.Adapter implementation;
// vendor-specific files in this package (anthropic.go, azure.go, bedrock.go,
// gemini.go)
// cover vendors whose SDK diverges from the OpenAI wire shape.
package httpsdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

// Generic is a configurable OpenAI-compatible backend. One instance serves
// one Provider record; distinct vendors get distinct instances with
// different baseURL/apiKey.
type Generic struct {
	name       string
	apiKey     string
	baseURL    string
	client     openaiSDK.Client
	timeout    time.Duration
	httpClient *http.Client
}

// Option configures a Generic backend.
type Option func(*Generic)

func WithTimeout(d time.Duration) Option {
	return func(g *Generic) { g.timeout = d }
}

// WithHTTPClient injects a shared *http.Client (e.g. from
// proxy.ClientPool, spec §4.6) instead of letting New build its own
// single-use client and transport per provider.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Generic) { g.httpClient = c }
}

// New creates a Generic adapter for name, authenticating with apiKey against
// baseURL (e.g. "https://api.x.ai/v1").
func New(name, apiKey, baseURL string, opts ...Option) *Generic {
	g := &Generic{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		timeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(g)
	}

	client := g.httpClient
	if client == nil {
		client = &http.Client{Timeout: g.timeout}
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(g.apiKey),
		option.WithHTTPClient(client),
	}
	if g.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(g.baseURL))
	}
	g.client = openaiSDK.NewClient(reqOpts...)
	return g
}

func (g *Generic) Kind() adapter.Kind { return adapter.KindHTTPSDK }

func (g *Generic) ChatCompletion(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResult, error) {
	params := g.buildParams(req)
	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, g.classifyError("chat", err)
	}

	content := ""
	finish := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = string(resp.Choices[0].FinishReason)
	}

	return &adapter.ChatResult{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finish,
		Usage: adapter.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (g *Generic) ChatCompletionStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	params := g.buildParams(req)
	stream := g.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				ch <- adapter.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}
				continue
			}
			if c.FinishReason != "" {
				ch <- adapter.StreamChunk{FinishReason: c.FinishReason}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- adapter.StreamChunk{FinishReason: "error", Err: g.classifyError("chat_stream", err)}
		}
	}()
	return ch, nil
}

func (g *Generic) Embeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	resp, err := g.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: req.Model,
		Input: openaiSDK.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	})
	if err != nil {
		return nil, g.classifyError("embeddings", err)
	}

	data := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		data[i] = vec
	}

	return &adapter.EmbeddingsResult{
		Model: resp.Model,
		Data:  data,
		Usage: adapter.Usage{
			PromptTokens: int(resp.Usage.PromptTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (g *Generic) ListModels(ctx context.Context) ([]adapter.ModelInfo, error) {
	page, err := g.client.Models.List(ctx)
	if err != nil {
		return nil, g.classifyError("list_models", err)
	}
	out := make([]adapter.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, adapter.ModelInfo{ID: m.ID, Created: m.Created})
	}
	return out, nil
}

func (g *Generic) HealthProbe(ctx context.Context) error {
	_, err := g.client.Models.List(ctx)
	if err != nil {
		return g.classifyError("health_probe", err)
	}
	return nil
}

func (g *Generic) DryRun(ctx context.Context) error {
	_, err := g.client.Models.List(ctx)
	if err != nil {
		return g.classifyError("dry_run", err)
	}
	return nil
}

func (g *Generic) buildParams(req *adapter.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

// classifyError maps an openai-go SDK error onto the adapter error taxonomy
// so the dispatcher can make retry/breaker decisions without knowing about
// vendor-specific error types.
func (g *Generic) classifyError(op string, err error) *adapter.Error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &adapter.Error{Kind: statusToKind(apiErr.StatusCode), Op: op, Err: fmt.Errorf("%s: %w", g.name, err)}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &adapter.Error{Kind: adapter.ErrTimeout, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &adapter.Error{Kind: adapter.ErrCancelled, Op: op, Err: err}
	}
	return &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: op, Err: fmt.Errorf("%s: %w", g.name, err)}
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
