package normalize

import (
	"encoding/json"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

func TestChat_DefaultsMissingFinishReasonToStop(t *testing.T) {
	res := &adapter.ChatResult{ID: "r1", Content: "hi"}
	env := Chat(res, "gpt-4", 1234)
	if env.Choices[0].FinishReason != "stop" {
		t.Errorf("expected default finish_reason stop, got %q", env.Choices[0].FinishReason)
	}
	if env.Model != "gpt-4" {
		t.Errorf("expected external model substituted, got %q", env.Model)
	}
}

func TestChat_PreservesExplicitFinishReason(t *testing.T) {
	res := &adapter.ChatResult{FinishReason: "length"}
	env := Chat(res, "gpt-4", 1234)
	if env.Choices[0].FinishReason != "length" {
		t.Errorf("expected finish_reason preserved, got %q", env.Choices[0].FinishReason)
	}
}

func TestEmbeddings_PreservesOrderAndIndex(t *testing.T) {
	res := &adapter.EmbeddingsResult{Data: [][]float32{{0.1, 0.2}, {0.3, 0.4}}}
	env := Embeddings(res, "embed-1")
	if len(env.Data) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(env.Data))
	}
	if env.Data[0].Index != 0 || env.Data[1].Index != 1 {
		t.Errorf("expected order-preserving indices, got %+v", env.Data)
	}
}

func TestCoerceEmbeddingShape_OpenAIShapedList(t *testing.T) {
	raw := json.RawMessage(`{"data":[{"embedding":[0.1,0.2]},{"embedding":[0.3,0.4]}]}`)
	out, err := CoerceEmbeddingShape(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(out))
	}
}

func TestCoerceEmbeddingShape_BareNestedArray(t *testing.T) {
	raw := json.RawMessage(`[[0.1,0.2],[0.3,0.4]]`)
	out, err := CoerceEmbeddingShape(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(out))
	}
}

func TestCoerceEmbeddingShape_BareFlatArray(t *testing.T) {
	raw := json.RawMessage(`[0.1,0.2,0.3]`)
	out, err := CoerceEmbeddingShape(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || len(out[0]) != 3 {
		t.Fatalf("expected single 3-dim vector, got %+v", out)
	}
}

func TestCoerceEmbeddingShape_SingleEmbeddingObject(t *testing.T) {
	raw := json.RawMessage(`{"embedding":[0.5,0.6]}`)
	out, err := CoerceEmbeddingShape(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || len(out[0]) != 2 {
		t.Fatalf("expected single 2-dim vector, got %+v", out)
	}
}

func TestCoerceEmbeddingShape_UnrecognizedShapeErrors(t *testing.T) {
	raw := json.RawMessage(`{"unexpected":"shape"}`)
	if _, err := CoerceEmbeddingShape(raw); err == nil {
		t.Fatal("expected error for unrecognized shape")
	}
}
