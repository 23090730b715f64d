// Package normalize translates adapter results and heterogeneous upstream
// embedding shapes into the OpenAI-compatible envelopes the gateway returns
// to callers (spec §4.8).
package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

type (
	ChatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	ChatChoice struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}

	ChatUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// ChatEnvelope is the non-streaming chat.completion response shape.
	ChatEnvelope struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []ChatChoice `json:"choices"`
		Usage   ChatUsage    `json:"usage"`
	}
)

// Chat builds a ChatEnvelope from an adapter result. externalModel
// substitutes back in for whatever internal model id the upstream may have
// echoed. Missing usage is left as zeros; a missing finish_reason defaults
// to "stop".
func Chat(res *adapter.ChatResult, externalModel string, createdAt int64) ChatEnvelope {
	finish := res.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return ChatEnvelope{
		ID:      res.ID,
		Object:  "chat.completion",
		Created: createdAt,
		Model:   externalModel,
		Choices: []ChatChoice{
			{
				Index:        0,
				Message:      ChatMessage{Role: "assistant", Content: res.Content},
				FinishReason: finish,
			},
		},
		Usage: ChatUsage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
	}
}

type (
	EmbeddingDatum struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	EmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	EmbeddingEnvelope struct {
		Object string           `json:"object"`
		Data   []EmbeddingDatum `json:"data"`
		Model  string           `json:"model"`
		Usage  EmbeddingUsage   `json:"usage"`
	}
)

// Embeddings builds the OpenAI list-form EmbeddingEnvelope from an adapter
// result whose Data is already []  []float32 (one vector per input, in
// order) — the adapter.Adapter contract guarantees that shape, so this half
// of §4.8 is a direct translation.
func Embeddings(res *adapter.EmbeddingsResult, externalModel string) EmbeddingEnvelope {
	data := make([]EmbeddingDatum, len(res.Data))
	for i, vec := range res.Data {
		data[i] = EmbeddingDatum{Object: "embedding", Index: i, Embedding: vec}
	}
	return EmbeddingEnvelope{
		Object: "list",
		Data:   data,
		Model:  externalModel,
		Usage: EmbeddingUsage{
			PromptTokens: res.Usage.PromptTokens,
			TotalTokens:  res.Usage.TotalTokens,
		},
	}
}

// CoerceEmbeddingShape accepts the four upstream embedding shapes the spec
// enumerates and emits the OpenAI list form, independent of any adapter
// having already run — used when a CLI or proxy backend hands back a raw
// upstream body instead of a pre-parsed adapter.EmbeddingsResult:
//
//  1. OpenAI-shaped list:       {"data":[{"embedding":[...]}, ...]}
//  2. Bare nested array:        [[0.1,0.2],[0.3,0.4]]
//  3. Bare flat array (single): [0.1,0.2,0.3]
//  4. Single-embedding object:  {"embedding":[0.1,0.2]}
func CoerceEmbeddingShape(raw json.RawMessage) ([][]float32, error) {
	var openAIShaped struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &openAIShaped); err == nil && len(openAIShaped.Data) > 0 {
		out := make([][]float32, len(openAIShaped.Data))
		for i, d := range openAIShaped.Data {
			out[i] = d.Embedding
		}
		return out, nil
	}

	var nested [][]float32
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested) > 0 {
		return nested, nil
	}

	var flat []float32
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat) > 0 {
		return [][]float32{flat}, nil
	}

	var single struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &single); err == nil && len(single.Embedding) > 0 {
		return [][]float32{single.Embedding}, nil
	}

	return nil, fmt.Errorf("normalize: unrecognized embedding response shape")
}
