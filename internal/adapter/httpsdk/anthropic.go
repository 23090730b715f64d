package httpsdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

const anthropicDefaultMaxTokens = 4096

// Anthropic adapts the official Anthropic SDK to adapter.Adapter. It diverges
// from Generic because Anthropic's wire format pulls system prompts out of
// the message list and requires an explicit MaxTokens on every call.
type Anthropic struct {
	baseURL string
	client  anthropic.Client
}

// NewAnthropic creates an Anthropic adapter. httpClient may be nil, in which
// case a single-use client with a 30s timeout is built; pass a
// proxy.ClientPool-backed client to share keep-alive connections (§4.6)
// across requests instead.
func NewAnthropic(apiKey, baseURL string, httpClient *http.Client) *Anthropic {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	a := &Anthropic{baseURL: baseURL}
	a.client = anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(httpClient),
	)
	return a
}

func (a *Anthropic) Kind() adapter.Kind { return adapter.KindHTTPSDK }

func (a *Anthropic) buildParams(req *adapter.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			role := anthropic.MessageParamRoleUser
			if strings.ToLower(m.Role) == "assistant" {
				role = anthropic.MessageParamRoleAssistant
			}
			msgs = append(msgs, anthropic.MessageParam{
				Role:    role,
				Content: []anthropic.ContentBlockParamUnion{{OfText: &anthropic.TextBlockParam{Text: m.Content}}},
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func (a *Anthropic) ChatCompletion(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResult, error) {
	params := a.buildParams(req)
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.classifyError("chat", err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	finish := string(msg.StopReason)
	return &adapter.ChatResult{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: finish,
		Usage: adapter.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Anthropic) ChatCompletionStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	params := a.buildParams(req)
	stream := a.client.Messages.NewStreaming(ctx, params)

	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer close(ch)
		for stream.Next() {
			ev := stream.Current()
			if delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if td, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && td.Text != "" {
					ch <- adapter.StreamChunk{Content: td.Text}
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- adapter.StreamChunk{FinishReason: "error", Err: a.classifyError("chat_stream", err)}
		}
	}()
	return ch, nil
}

// Embeddings is unsupported: Anthropic has no embeddings endpoint. Callers
// should never route here since ModelMapping.SupportsEmbeddings is false for
// Anthropic providers (spec §4.2 resolution never produces this candidate
// for an embeddings call), but the method must exist to satisfy the
// interface.
func (a *Anthropic) Embeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "embeddings", Err: errors.New("anthropic: embeddings not supported")}
}

func (a *Anthropic) ListModels(ctx context.Context) ([]adapter.ModelInfo, error) {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, a.classifyError("list_models", err)
	}
	out := make([]adapter.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, adapter.ModelInfo{ID: string(m.ID), Created: m.CreatedAt.Unix()})
	}
	return out, nil
}

func (a *Anthropic) HealthProbe(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return a.classifyError("health_probe", err)
	}
	return nil
}

func (a *Anthropic) DryRun(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return a.classifyError("dry_run", err)
	}
	return nil
}

func (a *Anthropic) classifyError(op string, err error) *adapter.Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &adapter.Error{Kind: statusToKind(apiErr.StatusCode), Op: op, Err: fmt.Errorf("anthropic: %w", err)}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &adapter.Error{Kind: adapter.ErrTimeout, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &adapter.Error{Kind: adapter.ErrCancelled, Op: op, Err: err}
	}
	return &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: op, Err: fmt.Errorf("anthropic: %w", err)}
}
