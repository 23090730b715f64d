package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

// wireRequest is the JSON document delivered on the child's stdin.
type wireRequest struct {
	Op          string            `json:"op"`
	Model       string            `json:"model"`
	Messages    []wireMessage     `json:"messages,omitempty"`
	Input       []string          `json:"input,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wireChatResponse is the single JSON document a non-streaming child must
// emit on stdout.
type wireChatResponse struct {
	ID           string  `json:"id"`
	Content      string  `json:"content"`
	FinishReason string  `json:"finish_reason"`
	PromptTokens int     `json:"prompt_tokens"`
	OutputTokens int     `json:"completion_tokens"`
}

// wireStreamEvent is one line of the newline-delimited JSON a streaming
// child emits on stdout.
type wireStreamEvent struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
}

type wireEmbeddingsResponse struct {
	Data         [][]float32 `json:"data"`
	PromptTokens int         `json:"prompt_tokens"`
}

// CLI adapts a sandboxed child-process command to adapter.Adapter. The
// child receives one JSON document on stdin and must emit either a single
// JSON document (non-streaming) or newline-delimited JSON objects
// (streaming) on stdout.
type CLI struct {
	sandbox *SandboxExecutor
	config  SandboxConfig
}

// New builds a CLI adapter that invokes cfg's command inside a container
// for every request.
func New(cfg SandboxConfig) *CLI {
	return &CLI{sandbox: NewSandboxExecutor(), config: cfg}
}

func (c *CLI) Kind() adapter.Kind { return adapter.KindCLI }

func (c *CLI) ChatCompletion(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResult, error) {
	payload, err := json.Marshal(toWireRequest("chat", req))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat", Err: err}
	}

	res, err := c.sandbox.Execute(ctx, c.config, payload)
	if err != nil {
		return nil, c.classifyExecError("chat", ctx, err)
	}
	if res.TimedOut {
		return nil, &adapter.Error{Kind: adapter.ErrTimeout, Op: "chat", Err: fmt.Errorf("cli: invocation timed out")}
	}

	var wr wireChatResponse
	if parseErr := json.Unmarshal(res.Stdout, &wr); parseErr != nil {
		if res.ExitCode != 0 {
			return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat", Err: fmt.Errorf("cli: exit %d, unparsable stdout: %w", res.ExitCode, parseErr)}
		}
		return nil, &adapter.Error{Kind: adapter.ErrPermanentUpstream, Op: "chat", Err: fmt.Errorf("cli: exit 0 but stdout did not parse: %w", parseErr)}
	}

	finish := wr.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return &adapter.ChatResult{
		ID:           wr.ID,
		Model:        req.Model,
		Content:      wr.Content,
		FinishReason: finish,
		Usage: adapter.Usage{
			PromptTokens:     wr.PromptTokens,
			CompletionTokens: wr.OutputTokens,
			TotalTokens:      wr.PromptTokens + wr.OutputTokens,
		},
	}, nil
}

func (c *CLI) ChatCompletionStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	payload, err := json.Marshal(toWireRequest("chat_stream", req))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat_stream", Err: err}
	}

	lines, execErrc, err := c.sandbox.ExecuteStream(ctx, c.config, payload)
	if err != nil {
		return nil, c.classifyExecError("chat_stream", ctx, err)
	}

	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer close(ch)
		for line := range lines {
			var ev wireStreamEvent
			if json.Unmarshal(line, &ev) != nil {
				continue
			}
			if ev.Content != "" || ev.FinishReason != "" {
				ch <- adapter.StreamChunk{Content: ev.Content, FinishReason: ev.FinishReason}
			}
		}
		if execErr := <-execErrc; execErr != nil {
			ch <- adapter.StreamChunk{FinishReason: "error", Err: c.classifyExecError("chat_stream", ctx, execErr)}
		}
	}()
	return ch, nil
}

func (c *CLI) Embeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	payload, err := json.Marshal(wireRequest{Op: "embeddings", Model: req.Model, Input: req.Input, RequestID: req.RequestID})
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "embeddings", Err: err}
	}

	res, err := c.sandbox.Execute(ctx, c.config, payload)
	if err != nil {
		return nil, c.classifyExecError("embeddings", ctx, err)
	}
	if res.TimedOut {
		return nil, &adapter.Error{Kind: adapter.ErrTimeout, Op: "embeddings", Err: fmt.Errorf("cli: invocation timed out")}
	}

	var wr wireEmbeddingsResponse
	if parseErr := json.Unmarshal(res.Stdout, &wr); parseErr != nil {
		if res.ExitCode != 0 {
			return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "embeddings", Err: fmt.Errorf("cli: exit %d, unparsable stdout: %w", res.ExitCode, parseErr)}
		}
		return nil, &adapter.Error{Kind: adapter.ErrPermanentUpstream, Op: "embeddings", Err: fmt.Errorf("cli: exit 0 but stdout did not parse: %w", parseErr)}
	}

	return &adapter.EmbeddingsResult{
		Model: req.Model,
		Data:  wr.Data,
		Usage: adapter.Usage{PromptTokens: wr.PromptTokens, TotalTokens: wr.PromptTokens},
	}, nil
}

// ListModels is unsupported: a CLI provider's catalog is whatever
// ModelMappings the operator configured for it; there's no discovery
// endpoint to probe.
func (c *CLI) ListModels(ctx context.Context) ([]adapter.ModelInfo, error) {
	return nil, nil
}

func (c *CLI) HealthProbe(ctx context.Context) error {
	payload, _ := json.Marshal(wireRequest{Op: "health"})
	res, err := c.sandbox.Execute(ctx, c.config, payload)
	if err != nil {
		return c.classifyExecError("health_probe", ctx, err)
	}
	if res.TimedOut {
		return &adapter.Error{Kind: adapter.ErrTimeout, Op: "health_probe", Err: fmt.Errorf("cli: health probe timed out")}
	}
	if res.ExitCode != 0 {
		return &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "health_probe", Err: fmt.Errorf("cli: health probe exit %d", res.ExitCode)}
	}
	return nil
}

func (c *CLI) DryRun(ctx context.Context) error {
	return c.HealthProbe(ctx)
}

func toWireRequest(op string, req *adapter.ChatRequest) wireRequest {
	msgs := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	return wireRequest{
		Op:          op,
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   req.RequestID,
	}
}

// classifyExecError maps a sandbox execution failure onto the adapter
// taxonomy: a context deadline hit means Timeout regardless of how the
// executor surfaced it, since cmd.Cancel/WaitDelay race with exec's own
// error formatting.
func (c *CLI) classifyExecError(op string, ctx context.Context, err error) *adapter.Error {
	if ctx.Err() == context.DeadlineExceeded {
		return &adapter.Error{Kind: adapter.ErrTimeout, Op: op, Err: err}
	}
	if ctx.Err() == context.Canceled {
		return &adapter.Error{Kind: adapter.ErrCancelled, Op: op, Err: err}
	}
	return &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: op, Err: err}
}
