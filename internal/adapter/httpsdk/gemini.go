package httpsdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

// Gemini adapts Google's official GenAI SDK to adapter.Adapter.
type Gemini struct {
	client *genai.Client
}

// NewGemini builds a Gemini backend. ctx is used only to construct the SDK
// client and is not retained. httpClient may be nil, in which case a
// single-use client with a 30s timeout is built; pass a proxy.ClientPool-
// backed client to share keep-alive connections (§4.6) across requests
// instead.
func NewGemini(ctx context.Context, apiKey, baseURL string, httpClient *http.Client) (*Gemini, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client init: %w", err)
	}
	return &Gemini{client: client}, nil
}

// NewVertexAI builds a Gemini backend against Google Cloud's Vertex AI
// endpoint instead of the public Gemini API. Vertex AI authenticates with
// project/location plus application-default credentials rather than an
// API key, so the genai SDK picks up credentials itself; project and
// location select the regional endpoint. httpClient may be nil, in which
// case a single-use client with a 30s timeout is built.
func NewVertexAI(ctx context.Context, project, location string, httpClient *http.Client) (*Gemini, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend:    genai.BackendVertexAI,
		Project:    project,
		Location:   location,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("vertexai: client init: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (g *Gemini) Kind() adapter.Kind { return adapter.KindHTTPSDK }

func (g *Gemini) buildContentsAndConfig(req *adapter.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}
	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

func (g *Gemini) ChatCompletion(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResult, error) {
	contents, cfg := g.buildContentsAndConfig(req)
	resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, g.classifyError("chat", err)
	}

	out := ""
	finish := ""
	if resp != nil {
		out = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = string(resp.Candidates[0].FinishReason)
		}
	}

	id := req.RequestID
	if id == "" && resp != nil && resp.ResponseID != "" {
		id = resp.ResponseID
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &adapter.ChatResult{
		ID:           id,
		Model:        req.Model,
		Content:      out,
		FinishReason: finish,
		Usage: adapter.Usage{
			PromptTokens:     inTok,
			CompletionTokens: outTok,
			TotalTokens:      inTok + outTok,
		},
	}, nil
}

func (g *Gemini) ChatCompletionStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	contents, cfg := g.buildContentsAndConfig(req)
	ch := make(chan adapter.StreamChunk, 64)

	go func() {
		defer close(ch)
		for resp, err := range g.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				ch <- adapter.StreamChunk{FinishReason: "error", Err: g.classifyError("chat_stream", err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			c := resp.Candidates[0]
			text := candidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = string(c.FinishReason)
			}
			if text != "" || finish != "" {
				ch <- adapter.StreamChunk{Content: text, FinishReason: finish}
			}
		}
	}()

	return ch, nil
}

func (g *Gemini) Embeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := g.client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, g.classifyError("embeddings", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "embeddings", Err: errors.New("gemini: empty embeddings response")}
	}

	data := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data[i] = emb.Values
	}

	return &adapter.EmbeddingsResult{Model: req.Model, Data: data}, nil
}

func (g *Gemini) ListModels(ctx context.Context) ([]adapter.ModelInfo, error) {
	page, err := g.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 100})
	if err != nil {
		return nil, g.classifyError("list_models", err)
	}
	out := make([]adapter.ModelInfo, 0, len(page.Items))
	for _, m := range page.Items {
		out = append(out, adapter.ModelInfo{ID: m.Name})
	}
	return out, nil
}

func (g *Gemini) HealthProbe(ctx context.Context) error {
	_, err := g.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return g.classifyError("health_probe", err)
	}
	return nil
}

func (g *Gemini) DryRun(ctx context.Context) error {
	_, err := g.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return g.classifyError("dry_run", err)
	}
	return nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func (g *Gemini) classifyError(op string, err error) *adapter.Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &adapter.Error{Kind: statusToKind(apiErr.Code), Op: op, Err: fmt.Errorf("gemini: %w", err)}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &adapter.Error{Kind: adapter.ErrTimeout, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &adapter.Error{Kind: adapter.ErrCancelled, Op: op, Err: err}
	}
	return &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: op, Err: fmt.Errorf("gemini: %w", err)}
}
