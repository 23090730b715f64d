package httpsdk

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

// Azure adapts Azure OpenAI to adapter.Adapter. It diverges from Generic
// because Azure uses deployment-scoped URLs and an "api-key" header instead
// of "Authorization: Bearer", so the openai-go SDK's client construction
// doesn't fit cleanly and this backend talks net/http directly.
type Azure struct {
	endpoint   string
	apiKey     string
	apiVersion string
	client     *http.Client
}

// NewAzure builds an Azure OpenAI backend. endpoint is the resource base
// URL, e.g. "https://myresource.openai.azure.com". httpClient may be nil, in
// which case a single-use client with a 30s timeout is built; pass a
// proxy.ClientPool-backed client to share keep-alive connections (§4.6)
// across requests instead.
func NewAzure(endpoint, apiKey, apiVersion string, httpClient *http.Client) *Azure {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Azure{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		apiVersion: apiVersion,
		client:     httpClient,
	}
}

func (a *Azure) Kind() adapter.Kind { return adapter.KindHTTPSDK }

type azureChatRequest struct {
	Messages    []azureMessage `json:"messages"`
	Stream      bool           `json:"stream,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
}

type azureMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type azureChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []azureChoice `json:"choices"`
	Usage   azureUsage   `json:"usage"`
	Error   *azureAPIErr `json:"error,omitempty"`
}

type azureChoice struct {
	Message      *azureMessage `json:"message,omitempty"`
	Delta        *azureMessage `json:"delta,omitempty"`
	FinishReason string        `json:"finish_reason"`
}

type azureUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type azureAPIErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// deploymentName strips an "azure-" prefix, giving the caller a way to
// address a deployment explicitly without it colliding with the same model
// name on another vendor.
func deploymentName(model string) string {
	return strings.TrimPrefix(model, "azure-")
}

func (a *Azure) completionsURL(deployment string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		a.endpoint, deployment, a.apiVersion)
}

func (a *Azure) buildRequest(req *adapter.ChatRequest, stream bool) ([]byte, error) {
	msgs := make([]azureMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = azureMessage{Role: m.Role, Content: m.Content}
	}
	cr := azureChatRequest{Messages: msgs, Stream: stream}
	if req.Temperature > 0 {
		cr.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}
	return json.Marshal(cr)
}

func (a *Azure) ChatCompletion(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResult, error) {
	body, err := a.buildRequest(req, false)
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.completionsURL(deploymentName(req.Model)), bytes.NewReader(body))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "chat", Err: err}
	}
	httpReq.Header.Set("api-key", a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.classifyTransportError("chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.classifyStatusError("chat", resp)
	}

	var cr azureChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat", Err: fmt.Errorf("azure: decode: %w", err)}
	}

	content := ""
	finish := ""
	if len(cr.Choices) > 0 {
		if cr.Choices[0].Message != nil {
			content = cr.Choices[0].Message.Content
		}
		finish = cr.Choices[0].FinishReason
	}

	return &adapter.ChatResult{
		ID:           cr.ID,
		Model:        cr.Model,
		Content:      content,
		FinishReason: finish,
		Usage: adapter.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.PromptTokens + cr.Usage.CompletionTokens,
		},
	}, nil
}

func (a *Azure) ChatCompletionStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	body, err := a.buildRequest(req, true)
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat_stream", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.completionsURL(deploymentName(req.Model)), bytes.NewReader(body))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "chat_stream", Err: err}
	}
	httpReq.Header.Set("api-key", a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.classifyTransportError("chat_stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.classifyStatusError("chat_stream", resp)
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

			var cr azureChatResponse
			if json.Unmarshal([]byte(data), &cr) != nil || len(cr.Choices) == 0 || cr.Choices[0].Delta == nil {
				continue
			}
			ch <- adapter.StreamChunk{Content: cr.Choices[0].Delta.Content, FinishReason: cr.Choices[0].FinishReason}
		}
		if err := scanner.Err(); err != nil {
			ch <- adapter.StreamChunk{FinishReason: "error", Err: &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat_stream", Err: err}}
		}
	}()

	return ch, nil
}

// Embeddings uses the Azure OpenAI embeddings deployment endpoint.
func (a *Azure) Embeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	payload, err := json.Marshal(struct {
		Input []string `json:"input"`
	}{Input: req.Input})
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "embeddings", Err: err}
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		a.endpoint, deploymentName(req.Model), a.apiVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "embeddings", Err: err}
	}
	httpReq.Header.Set("api-key", a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.classifyTransportError("embeddings", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.classifyStatusError("embeddings", resp)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage azureUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "embeddings", Err: err}
	}

	data := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		data[i] = d.Embedding
	}

	return &adapter.EmbeddingsResult{
		Model: req.Model,
		Data:  data,
		Usage: adapter.Usage{PromptTokens: out.Usage.PromptTokens, TotalTokens: out.Usage.PromptTokens},
	}, nil
}

// ListModels is unsupported: Azure OpenAI exposes deployments, not a model
// catalog endpoint comparable to the other vendors; deployments are
// configured out of band via ModelMapping.
func (a *Azure) ListModels(ctx context.Context) ([]adapter.ModelInfo, error) {
	return nil, nil
}

func (a *Azure) HealthProbe(ctx context.Context) error {
	url := fmt.Sprintf("%s/openai/models?api-version=%s", a.endpoint, a.apiVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &adapter.Error{Kind: adapter.ErrConfigError, Op: "health_probe", Err: err}
	}
	httpReq.Header.Set("api-key", a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return a.classifyTransportError("health_probe", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return a.classifyStatusError("health_probe", resp)
	}
	return nil
}

func (a *Azure) DryRun(ctx context.Context) error {
	return a.HealthProbe(ctx)
}

func (a *Azure) classifyTransportError(op string, err error) *adapter.Error {
	if err == context.DeadlineExceeded {
		return &adapter.Error{Kind: adapter.ErrTimeout, Op: op, Err: err}
	}
	if err == context.Canceled {
		return &adapter.Error{Kind: adapter.ErrCancelled, Op: op, Err: err}
	}
	return &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: op, Err: fmt.Errorf("azure: %w", err)}
}

func (a *Azure) classifyStatusError(op string, resp *http.Response) *adapter.Error {
	body, _ := io.ReadAll(resp.Body)
	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	var cr azureChatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil && cr.Error.Message != "" {
		msg = cr.Error.Message
	}
	return &adapter.Error{Kind: statusToKind(resp.StatusCode), Op: op, Err: fmt.Errorf("azure: %s (status=%d)", msg, resp.StatusCode)}
}
