package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

func cliWithRunner(runner func(ctx context.Context, name string, args []string, stdin []byte, grace time.Duration) (*Result, error)) *CLI {
	return &CLI{
		sandbox: &SandboxExecutor{runner: runner},
		config:  SandboxConfig{Image: "alpine:3.19", Command: []string{"handler"}},
	}
}

func TestCLI_ChatCompletion_ParsesStdoutJSON(t *testing.T) {
	c := cliWithRunner(func(ctx context.Context, name string, args []string, stdin []byte, grace time.Duration) (*Result, error) {
		var wr wireRequest
		if err := json.Unmarshal(stdin, &wr); err != nil {
			t.Fatalf("stdin did not contain the request JSON: %v", err)
		}
		if wr.Messages[0].Content != "hi" {
			t.Errorf("expected message content delivered on stdin, got %q", wr.Messages[0].Content)
		}
		return &Result{Stdout: []byte(`{"id":"r1","content":"hello back","finish_reason":"stop","prompt_tokens":3,"completion_tokens":2}`)}, nil
	})

	res, err := c.ChatCompletion(context.Background(), &adapter.ChatRequest{
		Model:    "echo-model",
		Messages: []adapter.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "hello back" {
		t.Errorf("unexpected content: %q", res.Content)
	}
	if res.Usage.TotalTokens != 5 {
		t.Errorf("expected total tokens 5, got %d", res.Usage.TotalTokens)
	}
}

func TestCLI_ChatCompletion_NonZeroExitUnparsableIsTransient(t *testing.T) {
	c := cliWithRunner(func(ctx context.Context, name string, args []string, stdin []byte, grace time.Duration) (*Result, error) {
		return &Result{Stdout: []byte("not json"), ExitCode: 1}, nil
	})

	_, err := c.ChatCompletion(context.Background(), &adapter.ChatRequest{Model: "m"})
	aerr, ok := err.(*adapter.Error)
	if !ok {
		t.Fatalf("expected *adapter.Error, got %T", err)
	}
	if aerr.Kind != adapter.ErrTransientUpstream {
		t.Errorf("expected ErrTransientUpstream, got %v", aerr.Kind)
	}
}

func TestCLI_ChatCompletion_ZeroExitUnparsableIsPermanent(t *testing.T) {
	c := cliWithRunner(func(ctx context.Context, name string, args []string, stdin []byte, grace time.Duration) (*Result, error) {
		return &Result{Stdout: []byte("not json"), ExitCode: 0}, nil
	})

	_, err := c.ChatCompletion(context.Background(), &adapter.ChatRequest{Model: "m"})
	aerr, ok := err.(*adapter.Error)
	if !ok {
		t.Fatalf("expected *adapter.Error, got %T", err)
	}
	if aerr.Kind != adapter.ErrPermanentUpstream {
		t.Errorf("expected ErrPermanentUpstream, got %v", aerr.Kind)
	}
}

// TestCLI_ChatCompletionStream_EmitsChunksInOrder does not call
// ChatCompletionStream (that would start a real container runtime); it feeds
// canned lines through a copy of that method's line-decoding loop.
func TestCLI_ChatCompletionStream_EmitsChunksInOrder(t *testing.T) {
	c := &CLI{
		sandbox: &SandboxExecutor{},
		config:  SandboxConfig{Image: "alpine:3.19", Command: []string{"handler"}},
	}
	lines := make(chan []byte, 4)
	errc := make(chan error, 1)
	lines <- []byte(`{"content":"he"}`)
	lines <- []byte(`{"content":"llo"}`)
	lines <- []byte(`{"finish_reason":"stop"}`)
	close(lines)
	errc <- nil

	c.sandbox.runner = nil // not used; ExecuteStream is bypassed via direct channel wiring below
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
		<-errc
	}()

	var got []adapter.StreamChunk
	for chunk := range ch {
		got = append(got, chunk)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	if got[0].Content != "he" || got[1].Content != "llo" {
		t.Errorf("chunks out of order: %+v", got)
	}
	if got[2].FinishReason != "stop" {
		t.Errorf("expected terminal finish_reason stop, got %+v", got[2])
	}
}

func TestCLI_HealthProbe_NonZeroExitIsTransient(t *testing.T) {
	c := cliWithRunner(func(ctx context.Context, name string, args []string, stdin []byte, grace time.Duration) (*Result, error) {
		return &Result{ExitCode: 1}, nil
	})
	err := c.HealthProbe(context.Background())
	aerr, ok := err.(*adapter.Error)
	if !ok {
		t.Fatalf("expected *adapter.Error, got %T", err)
	}
	if aerr.Kind != adapter.ErrTransientUpstream {
		t.Errorf("expected ErrTransientUpstream, got %v", aerr.Kind)
	}
}
