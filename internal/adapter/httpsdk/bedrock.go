// Bedrock talks to the AWS Bedrock Converse API directly over net/http,
// signing each request with AWS SigV4 (no aws-sdk-go dependency: this
// corpus hand-rolls signing the same way the rest of httpsdk hand-rolls
// nothing else — Bedrock is the one vendor whose auth mode is "signed"
// rather than a bearer token).
package httpsdk

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/adapter"
)

const (
	bedrockService   = "bedrock"
	bedrockAlgorithm = "AWS4-HMAC-SHA256"
)

// Bedrock adapts the AWS Bedrock Converse API to adapter.Adapter, signing
// every request with SigV4 instead of a bearer token.
type Bedrock struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
	endpointURL  string // override for the base endpoint (testing)
	client       *http.Client
}

// BedrockOption configures a Bedrock backend.
type BedrockOption func(*Bedrock)

// WithSessionToken sets the AWS session token for temporary credentials
// (IAM roles, STS).
func WithSessionToken(token string) BedrockOption {
	return func(b *Bedrock) { b.sessionToken = token }
}

// WithBedrockEndpointURL overrides the Bedrock endpoint base URL, e.g. for
// a local mock server in tests.
func WithBedrockEndpointURL(u string) BedrockOption {
	return func(b *Bedrock) { b.endpointURL = u }
}

// WithBedrockHTTPClient injects a shared *http.Client (e.g. from
// proxy.ClientPool, spec §4.6) instead of the single-use client NewBedrock
// builds by default.
func WithBedrockHTTPClient(c *http.Client) BedrockOption {
	return func(b *Bedrock) { b.client = c }
}

// NewBedrock builds a Bedrock backend authenticating with an AWS access
// key pair against region.
func NewBedrock(accessKey, secretKey, region string, opts ...BedrockOption) *Bedrock {
	b := &Bedrock{
		accessKey: accessKey,
		secretKey: secretKey,
		region:    region,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bedrock) Kind() adapter.Kind { return adapter.KindHTTPSDK }

// ─── Converse API wire types ──────────────────────────────────────────────

type bedrockConverseRequest struct {
	Messages        []bedrockMessage        `json:"messages"`
	System          []bedrockSystemContent  `json:"system,omitempty"`
	InferenceConfig *bedrockInferenceConfig `json:"inferenceConfig,omitempty"`
}

type bedrockMessage struct {
	Role    string               `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Text string `json:"text"`
}

type bedrockSystemContent struct {
	Text string `json:"text"`
}

type bedrockInferenceConfig struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type bedrockConverseResponse struct {
	Output bedrockConverseOutput `json:"output"`
	Usage  bedrockConverseUsage  `json:"usage"`
}

type bedrockConverseOutput struct {
	Message bedrockMessage `json:"message"`
}

type bedrockConverseUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func (b *Bedrock) buildConverseRequest(req *adapter.ChatRequest) bedrockConverseRequest {
	var systemTexts []bedrockSystemContent
	msgs := make([]bedrockMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			systemTexts = append(systemTexts, bedrockSystemContent{Text: m.Content})
		default:
			role := "user"
			if strings.ToLower(m.Role) == "assistant" {
				role = "assistant"
			}
			msgs = append(msgs, bedrockMessage{
				Role:    role,
				Content: []bedrockContentBlock{{Text: m.Content}},
			})
		}
	}

	cr := bedrockConverseRequest{Messages: msgs, System: systemTexts}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		cr.InferenceConfig = &bedrockInferenceConfig{
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}
	}
	return cr
}

// ─── Non-streaming ─────────────────────────────────────────────────────────

func (b *Bedrock) ChatCompletion(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResult, error) {
	payload, err := json.Marshal(b.buildConverseRequest(req))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat", Err: fmt.Errorf("bedrock: marshal: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.converseEndpoint(req.Model), bytes.NewReader(payload))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "chat", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.signRequest(httpReq, payload)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, b.classifyTransportError("chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, b.classifyStatusError("chat", resp)
	}

	var cr bedrockConverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat", Err: fmt.Errorf("bedrock: decode: %w", err)}
	}

	content := ""
	if len(cr.Output.Message.Content) > 0 {
		content = cr.Output.Message.Content[0].Text
	}

	return &adapter.ChatResult{
		ID:      req.RequestID,
		Model:   req.Model,
		Content: content,
		Usage: adapter.Usage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
			TotalTokens:      cr.Usage.InputTokens + cr.Usage.OutputTokens,
		},
	}, nil
}

// ─── Streaming ─────────────────────────────────────────────────────────────

type bedrockStreamEvent struct {
	ContentBlockDelta *struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"contentBlockDelta"`
	MessageStop *struct {
		StopReason string `json:"stopReason"`
	} `json:"messageStop"`
}

func (b *Bedrock) ChatCompletionStream(ctx context.Context, req *adapter.ChatRequest) (<-chan adapter.StreamChunk, error) {
	payload, err := json.Marshal(b.buildConverseRequest(req))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrBadRequest, Op: "chat_stream", Err: fmt.Errorf("bedrock: marshal: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.converseStreamEndpoint(req.Model), bytes.NewReader(payload))
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "chat_stream", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.signRequest(httpReq, payload)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, b.classifyTransportError("chat_stream", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, b.classifyStatusError("chat_stream", resp)
	}

	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var ev bedrockStreamEvent
			if json.Unmarshal([]byte(data), &ev) != nil {
				continue
			}
			if ev.ContentBlockDelta != nil && ev.ContentBlockDelta.Delta.Text != "" {
				ch <- adapter.StreamChunk{Content: ev.ContentBlockDelta.Delta.Text}
			}
			if ev.MessageStop != nil {
				ch <- adapter.StreamChunk{FinishReason: ev.MessageStop.StopReason}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- adapter.StreamChunk{FinishReason: "error", Err: &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "chat_stream", Err: err}}
		}
	}()

	return ch, nil
}

// Embeddings is unsupported: the Bedrock Converse API has no embeddings
// operation (embedding models on Bedrock go through InvokeModel with a
// per-model wire format, out of scope here).
func (b *Bedrock) Embeddings(ctx context.Context, req *adapter.EmbeddingsRequest) (*adapter.EmbeddingsResult, error) {
	return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "embeddings", Err: fmt.Errorf("bedrock: embeddings not supported via Converse API")}
}

// ListModels calls the Bedrock control-plane foundation-models listing.
func (b *Bedrock) ListModels(ctx context.Context) ([]adapter.ModelInfo, error) {
	endpoint := b.baseEndpoint("bedrock") + "/foundation-models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrConfigError, Op: "list_models", Err: err}
	}
	b.signRequest(httpReq, nil)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, b.classifyTransportError("list_models", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, b.classifyStatusError("list_models", resp)
	}

	var out struct {
		ModelSummaries []struct {
			ModelID string `json:"modelId"`
		} `json:"modelSummaries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: "list_models", Err: err}
	}

	models := make([]adapter.ModelInfo, 0, len(out.ModelSummaries))
	for _, m := range out.ModelSummaries {
		models = append(models, adapter.ModelInfo{ID: m.ModelID})
	}
	return models, nil
}

func (b *Bedrock) HealthProbe(ctx context.Context) error {
	endpoint := b.baseEndpoint("bedrock") + "/foundation-models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &adapter.Error{Kind: adapter.ErrConfigError, Op: "health_probe", Err: err}
	}
	b.signRequest(httpReq, nil)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return b.classifyTransportError("health_probe", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return b.classifyStatusError("health_probe", resp)
	}
	return nil
}

func (b *Bedrock) DryRun(ctx context.Context) error {
	return b.HealthProbe(ctx)
}

// ─── Endpoints ─────────────────────────────────────────────────────────────

func (b *Bedrock) baseEndpoint(subservice string) string {
	if b.endpointURL != "" {
		return strings.TrimRight(b.endpointURL, "/")
	}
	return fmt.Sprintf("https://%s.%s.amazonaws.com", subservice, b.region)
}

func (b *Bedrock) converseEndpoint(modelID string) string {
	if b.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/converse", strings.TrimRight(b.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/converse", b.region, modelID)
}

func (b *Bedrock) converseStreamEndpoint(modelID string) string {
	if b.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/converse-stream", strings.TrimRight(b.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/converse-stream", b.region, modelID)
}

// ─── AWS SigV4 signing ─────────────────────────────────────────────────────

func (b *Bedrock) signRequest(req *http.Request, payload []byte) {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)
	if b.sessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", b.sessionToken)
	}

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf("content-type:%s\nhost:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), host, amzdate)
	if b.sessionToken != "" {
		signedHeaders = "content-type;host;x-amz-date;x-amz-security-token"
		canonicalHeaders = fmt.Sprintf("content-type:%s\nhost:%s\nx-amz-date:%s\nx-amz-security-token:%s\n",
			req.Header.Get("Content-Type"), host, amzdate, b.sessionToken)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		sha256Hex(payload),
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, b.region, bedrockService)
	stringToSign := strings.Join([]string{
		bedrockAlgorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveBedrockSigningKey(b.secretKey, datestamp, b.region, bedrockService)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		bedrockAlgorithm, b.accessKey, credentialScope, signedHeaders, signature))
}

func deriveBedrockSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ─── Error classification ──────────────────────────────────────────────────

type bedrockErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"__type"`
}

func (b *Bedrock) classifyTransportError(op string, err error) *adapter.Error {
	if err == context.DeadlineExceeded {
		return &adapter.Error{Kind: adapter.ErrTimeout, Op: op, Err: err}
	}
	if err == context.Canceled {
		return &adapter.Error{Kind: adapter.ErrCancelled, Op: op, Err: err}
	}
	return &adapter.Error{Kind: adapter.ErrTransientUpstream, Op: op, Err: fmt.Errorf("bedrock: %w", err)}
}

func (b *Bedrock) classifyStatusError(op string, resp *http.Response) *adapter.Error {
	body, _ := io.ReadAll(resp.Body)
	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	var be bedrockErrorBody
	if json.Unmarshal(body, &be) == nil && be.Message != "" {
		msg = be.Message
	}
	return &adapter.Error{Kind: statusToKind(resp.StatusCode), Op: op, Err: fmt.Errorf("bedrock: %s (status=%d)", msg, resp.StatusCode)}
}
