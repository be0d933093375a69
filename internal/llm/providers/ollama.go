package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/nimbus-cli/nimbus/internal/llm"
	"github.com/nimbus-cli/nimbus/pkg/models"
)

const (
	ollamaDefaultBaseURL = "http://localhost:11434"

	ollamaChatTimeout = 120 * time.Second
	ollamaShowTimeout = 5 * time.Second
	ollamaTagsTimeout = 3 * time.Second
)

// OllamaProvider adapts a local Ollama server via its /api/chat JSON-lines
// protocol. Models without native tool support degrade to prompt-engineered
// tool calling: tools are described in an injected system prompt and the
// response is scanned for a JSON tool invocation.
type OllamaProvider struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	streamClient *http.Client

	// compat speaks the OpenAI-compatible /v1 endpoint, used for native
	// tool streaming.
	compat *openai.Client

	mu   sync.Mutex
	info map[string]ollamaModelInfo
}

// ollamaModelInfo caches what /api/show reports for one model.
type ollamaModelInfo struct {
	tools         bool
	contextLength int
}

// OllamaConfig configures the Ollama adapter.
type OllamaConfig struct {
	// BaseURL of the Ollama server. Empty means http://localhost:11434.
	BaseURL string

	// DefaultModel is used when the request does not name a model.
	DefaultModel string
}

// NewOllamaProvider creates an Ollama adapter. No connection is made until
// the first request.
func NewOllamaProvider(config OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimSuffix(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	model := config.DefaultModel
	if model == "" {
		model = "llama3.3"
	}

	compatConfig := openai.DefaultConfig("ollama")
	compatConfig.BaseURL = baseURL + "/v1"

	return &OllamaProvider{
		baseURL:      baseURL,
		defaultModel: model,
		httpClient:   &http.Client{Timeout: ollamaChatTimeout},
		streamClient: &http.Client{},
		compat:       openai.NewClientWithConfig(compatConfig),
		info:         make(map[string]ollamaModelInfo),
	}
}

// Name returns "ollama".
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// DefaultModel returns the model used when a request names none.
func (p *OllamaProvider) DefaultModel() string {
	return p.defaultModel
}

// Models lists the locally pulled models. When the server is unreachable a
// static fallback is returned so routing tables stay populated.
func (p *OllamaProvider) Models() []llm.ModelInfo {
	ctx, cancel := context.WithTimeout(context.Background(), ollamaTagsTimeout)
	defer cancel()

	local, err := p.ListLocalModels(ctx)
	if err != nil || len(local) == 0 {
		return []llm.ModelInfo{
			{ID: "llama3.3", Name: "Llama 3.3", ContextWindow: 131072, MaxTokens: 4096},
			{ID: "mistral", Name: "Mistral", ContextWindow: 32768, MaxTokens: 4096},
			{ID: "codellama", Name: "Code Llama", ContextWindow: 16384, MaxTokens: 4096},
		}
	}

	result := make([]llm.ModelInfo, 0, len(local))
	for _, name := range local {
		window := p.ContextWindowForModel(ctx, name)
		if window <= 0 {
			window = 32768
		}
		result = append(result, llm.ModelInfo{ID: name, Name: name, ContextWindow: window, MaxTokens: 4096})
	}
	return result
}

// MaxTokensForModel returns the output ceiling for a model, bounded by the
// discovered context window when that is smaller.
func (p *OllamaProvider) MaxTokensForModel(model string) int {
	ctx, cancel := context.WithTimeout(context.Background(), ollamaShowTimeout)
	defer cancel()
	if window := p.ContextWindowForModel(ctx, model); window > 0 && window < 4096 {
		return window
	}
	return 4096
}

// ContextWindowForModel reports the context length /api/show discovered
// for a model, or zero when the server did not say.
func (p *OllamaProvider) ContextWindowForModel(ctx context.Context, model string) int {
	return p.modelInfo(ctx, model).contextLength
}

// CountTokens estimates tokens at ~4 characters each.
func (p *OllamaProvider) CountTokens(text string) int {
	return EstimateTokens(text)
}

// ListLocalModels returns the names of models the server has pulled.
func (p *OllamaProvider) ListLocalModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, p.wrapError(err, "")
	}
	defer resp.Body.Close()

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// SupportsNativeTools probes /api/show for the model's capability list.
// Results are cached for the life of the adapter.
func (p *OllamaProvider) SupportsNativeTools(ctx context.Context, model string) bool {
	return p.modelInfo(ctx, model).tools
}

// modelInfo returns the cached /api/show result for a model, probing the
// server on the first ask.
func (p *OllamaProvider) modelInfo(ctx context.Context, model string) ollamaModelInfo {
	p.mu.Lock()
	if info, ok := p.info[model]; ok {
		p.mu.Unlock()
		return info
	}
	p.mu.Unlock()

	info := p.probeModel(ctx, model)

	p.mu.Lock()
	p.info[model] = info
	p.mu.Unlock()
	return info
}

func (p *OllamaProvider) probeModel(ctx context.Context, model string) ollamaModelInfo {
	ctx, cancel := context.WithTimeout(ctx, ollamaShowTimeout)
	defer cancel()

	var info ollamaModelInfo

	body, err := json.Marshal(map[string]string{"model": model})
	if err != nil {
		return info
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return info
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return info
	}
	defer resp.Body.Close()

	var payload struct {
		Capabilities []string       `json:"capabilities"`
		ModelInfo    map[string]any `json:"model_info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return info
	}
	for _, cap := range payload.Capabilities {
		if cap == "tools" {
			info.tools = true
		}
	}
	// The context length key is architecture-prefixed, e.g.
	// "llama.context_length".
	for key, value := range payload.ModelInfo {
		if strings.HasSuffix(key, ".context_length") {
			if n, ok := value.(float64); ok && n > 0 {
				info.contextLength = int(n)
			}
			break
		}
	}
	return info
}

// Wire types for /api/chat.

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunctionCall `json:"function"`
}

type ollamaFunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type ollamaOptions struct {
	Temperature *float32 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Format   string          `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

// Complete performs a unary completion.
func (p *OllamaProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.Response, error) {
	chatReq := p.buildRequest(req, nil)
	return p.doChat(ctx, chatReq)
}

// CompleteWithTools performs a unary completion with tool definitions.
// Models without native tool support receive a prompt-engineered tool
// protocol instead; the response text is scanned for a JSON invocation.
func (p *OllamaProvider) CompleteWithTools(ctx context.Context, req *llm.ToolCompletionRequest) (*llm.Response, error) {
	if req.ToolChoice.Mode == llm.ToolChoiceNone || len(req.Tools) == 0 {
		return p.Complete(ctx, &req.CompletionRequest)
	}

	model := p.modelFor(&req.CompletionRequest)

	if p.SupportsNativeTools(ctx, model) {
		chatReq := p.buildRequest(&req.CompletionRequest, req.Tools)
		return p.doChat(ctx, chatReq)
	}

	prompted := promptedToolRequest(&req.CompletionRequest, req.Tools)
	resp, err := p.doChat(ctx, p.buildRequest(prompted, nil))
	if err != nil {
		return nil, err
	}

	if tc, rest, ok := ParsePromptedToolCall(resp.Content); ok {
		resp.ToolCalls = []models.ToolCall{tc}
		resp.Content = rest
		resp.FinishReason = llm.FinishToolCalls
	}
	return resp, nil
}

func (p *OllamaProvider) doChat(ctx context.Context, chatReq *ollamaChatRequest) (*llm.Response, error) {
	chatReq.Stream = false

	var payload ollamaChatResponse
	if err := p.post(ctx, p.httpClient, "/api/chat", chatReq, &payload); err != nil {
		return nil, err
	}
	if payload.Error != "" {
		return nil, p.wrapError(errors.New(payload.Error), chatReq.Model)
	}

	resp := &llm.Response{
		Content:      payload.Message.Content,
		Model:        chatReq.Model,
		FinishReason: llm.NormalizeFinishReason(payload.DoneReason),
		Usage: models.Usage{
			PromptTokens:     payload.PromptEvalCount,
			CompletionTokens: payload.EvalCount,
			TotalTokens:      payload.PromptEvalCount + payload.EvalCount,
		},
	}
	for _, tc := range payload.Message.ToolCalls {
		args := "{}"
		if len(tc.Function.Arguments) > 0 {
			if data, err := json.Marshal(tc.Function.Arguments); err == nil {
				args = string(data)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, models.NewToolCall("call_"+uuid.NewString(), tc.Function.Name, args))
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = llm.FinishToolCalls
	}
	return resp, nil
}

// Stream performs a streaming completion over the JSON-lines protocol.
func (p *OllamaProvider) Stream(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.StreamChunk, error) {
	chatReq := p.buildRequest(req, nil)
	chatReq.Stream = true

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.streamClient.Do(httpReq)
	if err != nil {
		return nil, p.wrapError(err, chatReq.Model)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.statusError(resp, chatReq.Model)
	}

	chunks := make(chan *llm.StreamChunk)
	go p.processStream(resp.Body, chunks, chatReq.Model)
	return chunks, nil
}

// StreamWithTools streams with tool definitions. Native tool models use the
// OpenAI-compatible /v1 endpoint; the rest degrade to a unary prompted
// completion repackaged as a short stream.
func (p *OllamaProvider) StreamWithTools(ctx context.Context, req *llm.ToolCompletionRequest) (<-chan *llm.StreamChunk, error) {
	if req.ToolChoice.Mode == llm.ToolChoiceNone || len(req.Tools) == 0 {
		return p.Stream(ctx, &req.CompletionRequest)
	}

	model := p.modelFor(&req.CompletionRequest)

	if p.SupportsNativeTools(ctx, model) {
		return p.streamCompat(ctx, req, model)
	}

	resp, err := p.CompleteWithTools(ctx, req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *llm.StreamChunk, 2)
	if resp.Content != "" {
		chunks <- &llm.StreamChunk{Content: resp.Content}
	}
	usage := resp.Usage
	chunks <- &llm.StreamChunk{Done: true, ToolCalls: resp.ToolCalls, Usage: &usage}
	close(chunks)
	return chunks, nil
}

func (p *OllamaProvider) streamCompat(ctx context.Context, req *llm.ToolCompletionRequest, model string) (<-chan *llm.StreamChunk, error) {
	compat := &OpenAIProvider{client: p.compat, name: "ollama", defaultModel: model}
	streamReq := *req
	streamReq.Model = model
	return compat.StreamWithTools(ctx, &streamReq)
}

// ollamaScanBuffer sizes the line scanner; single responses can carry large
// tool argument payloads.
const ollamaScanBuffer = 1024 * 1024

func (p *OllamaProvider) processStream(body io.ReadCloser, chunks chan<- *llm.StreamChunk, model string) {
	defer close(chunks)
	defer body.Close()

	var (
		promptTokens int
		evalTokens   int
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), ollamaScanBuffer)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var payload ollamaChatResponse
		if err := json.Unmarshal(line, &payload); err != nil {
			chunks <- &llm.StreamChunk{Err: NewProviderError("ollama", model, fmt.Errorf("malformed stream line: %w", err)), Done: true}
			return
		}
		if payload.Error != "" {
			chunks <- &llm.StreamChunk{Err: p.wrapError(errors.New(payload.Error), model), Done: true}
			return
		}

		if payload.Message.Content != "" {
			chunks <- &llm.StreamChunk{Content: payload.Message.Content}
		}
		if payload.Done {
			promptTokens = payload.PromptEvalCount
			evalTokens = payload.EvalCount
			chunks <- &llm.StreamChunk{
				Done: true,
				Usage: &models.Usage{
					PromptTokens:     promptTokens,
					CompletionTokens: evalTokens,
					TotalTokens:      promptTokens + evalTokens,
				},
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		chunks <- &llm.StreamChunk{Err: p.wrapError(err, model), Done: true}
		return
	}
	chunks <- &llm.StreamChunk{Done: true}
}

func (p *OllamaProvider) modelFor(req *llm.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *OllamaProvider) buildRequest(req *llm.CompletionRequest, tools []models.ToolDefinition) *ollamaChatRequest {
	chatReq := &ollamaChatRequest{
		Model:    p.modelFor(req),
		Messages: convertOllamaMessages(req.Messages),
	}

	var opts ollamaOptions
	hasOpts := false
	if req.Temperature != nil {
		opts.Temperature = req.Temperature
		hasOpts = true
	}
	if req.MaxTokens > 0 {
		opts.NumPredict = req.MaxTokens
		hasOpts = true
	}
	if len(req.StopSequences) > 0 {
		opts.Stop = req.StopSequences
		hasOpts = true
	}
	if hasOpts {
		chatReq.Options = &opts
	}
	if req.ResponseFormat == llm.FormatJSONObject {
		chatReq.Format = "json"
	}

	for _, tool := range tools {
		chatReq.Tools = append(chatReq.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	return chatReq
}

func convertOllamaMessages(messages []models.Message) []ollamaMessage {
	result := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		om := ollamaMessage{Role: string(msg.Role), Content: msg.Text()}
		if msg.Role == models.RoleTool {
			om.Role = "tool"
		}
		for _, block := range msg.Blocks {
			if block.Type == models.BlockImage {
				om.Images = append(om.Images, block.Data)
			}
		}
		for _, tc := range msg.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{
				Function: ollamaFunctionCall{
					Name:      tc.Function.Name,
					Arguments: parseToolArguments(tc),
				},
			})
		}
		result = append(result, om)
	}
	return result
}

func (p *OllamaProvider) post(ctx context.Context, client *http.Client, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return p.wrapError(err, "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.statusError(resp, "")
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *OllamaProvider) statusError(resp *http.Response, model string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	message := strings.TrimSpace(string(data))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		message = payload.Error
	}

	return (&ProviderError{
		Provider: "ollama",
		Model:    model,
		Cause:    fmt.Errorf("ollama: %s", message),
		Reason:   FailoverUnknown,
	}).WithStatus(resp.StatusCode).WithMessage(message)
}

func (p *OllamaProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	return NewProviderError("ollama", model, err)
}

var _ llm.Provider = (*OllamaProvider)(nil)
var _ llm.ToolStreamer = (*OllamaProvider)(nil)
