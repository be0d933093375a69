package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nimbus-cli/nimbus/internal/llm"
	"github.com/nimbus-cli/nimbus/internal/llm/toolconv"
	"github.com/nimbus-cli/nimbus/pkg/models"
)

// OpenAIProvider adapts any OpenAI-compatible chat completions endpoint.
// The same adapter serves openai.com and the compatible hosts (OpenRouter,
// Groq, Together, DeepSeek, Fireworks, Perplexity, Mistral); only the name,
// base URL and model catalog differ.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
	models       []llm.ModelInfo
}

// OpenAICompatConfig configures an OpenAI-compatible adapter.
type OpenAICompatConfig struct {
	// Name is the provider name reported to the router, e.g. "openai".
	Name string

	// APIKey is required.
	APIKey string

	// BaseURL overrides the endpoint. Empty means api.openai.com.
	BaseURL string

	// DefaultModel is used when the request does not name a model.
	DefaultModel string

	// ExtraHeaders are added to every request. OpenRouter uses these for
	// app attribution.
	ExtraHeaders map[string]string

	// Models is the advertised catalog. Empty falls back to a minimal
	// catalog containing only the default model.
	Models []llm.ModelInfo
}

// headerTransport injects static headers into every outgoing request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewOpenAICompatProvider creates an adapter for an OpenAI-compatible host.
func NewOpenAICompatProvider(config OpenAICompatConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%s: API key is required", config.Name)
	}
	if config.Name == "" {
		config.Name = "openai"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	}
	if len(config.ExtraHeaders) > 0 {
		clientConfig.HTTPClient = &http.Client{
			Transport: &headerTransport{headers: config.ExtraHeaders},
		}
	}

	catalog := config.Models
	if len(catalog) == 0 && config.DefaultModel != "" {
		catalog = []llm.ModelInfo{
			{ID: config.DefaultModel, Name: config.DefaultModel, ContextWindow: 128000, MaxTokens: 4096},
		}
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		name:         config.Name,
		defaultModel: config.DefaultModel,
		models:       catalog,
	}, nil
}

// NewOpenAIProvider creates an adapter for api.openai.com.
func NewOpenAIProvider(apiKey, baseURL string) (*OpenAIProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:         "openai",
		APIKey:       apiKey,
		BaseURL:      baseURL,
		DefaultModel: "gpt-4o",
		Models: []llm.ModelInfo{
			{ID: "gpt-4o", Name: "GPT-4o", ContextWindow: 128000, MaxTokens: 16384},
			{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextWindow: 128000, MaxTokens: 16384},
			{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextWindow: 128000, MaxTokens: 4096},
			{ID: "o1", Name: "o1", ContextWindow: 200000, MaxTokens: 100000},
			{ID: "o1-mini", Name: "o1 mini", ContextWindow: 128000, MaxTokens: 65536},
		},
	})
}

// NewOpenRouterProvider creates an adapter for openrouter.ai. Model IDs keep
// their vendor prefix, e.g. "anthropic/claude-sonnet-4".
func NewOpenRouterProvider(apiKey string) (*OpenAIProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:         "openrouter",
		APIKey:       apiKey,
		BaseURL:      "https://openrouter.ai/api/v1",
		DefaultModel: "openai/gpt-4o",
		ExtraHeaders: map[string]string{
			"HTTP-Referer": "https://github.com/nimbus-cli/nimbus",
			"X-Title":      "nimbus",
		},
	})
}

// NewGroqProvider creates an adapter for api.groq.com.
func NewGroqProvider(apiKey string) (*OpenAIProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:         "groq",
		APIKey:       apiKey,
		BaseURL:      "https://api.groq.com/openai/v1",
		DefaultModel: "llama-3.3-70b-versatile",
	})
}

// NewTogetherProvider creates an adapter for api.together.xyz.
func NewTogetherProvider(apiKey string) (*OpenAIProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:         "together",
		APIKey:       apiKey,
		BaseURL:      "https://api.together.xyz/v1",
		DefaultModel: "meta-llama/Llama-3.3-70B-Instruct-Turbo",
	})
}

// NewDeepSeekProvider creates an adapter for api.deepseek.com.
func NewDeepSeekProvider(apiKey string) (*OpenAIProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:         "deepseek",
		APIKey:       apiKey,
		BaseURL:      "https://api.deepseek.com/v1",
		DefaultModel: "deepseek-chat",
	})
}

// NewFireworksProvider creates an adapter for api.fireworks.ai.
func NewFireworksProvider(apiKey string) (*OpenAIProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:         "fireworks",
		APIKey:       apiKey,
		BaseURL:      "https://api.fireworks.ai/inference/v1",
		DefaultModel: "accounts/fireworks/models/llama-v3p1-70b-instruct",
	})
}

// NewPerplexityProvider creates an adapter for api.perplexity.ai.
func NewPerplexityProvider(apiKey string) (*OpenAIProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:         "perplexity",
		APIKey:       apiKey,
		BaseURL:      "https://api.perplexity.ai",
		DefaultModel: "sonar",
	})
}

// NewMistralProvider creates an adapter for api.mistral.ai.
func NewMistralProvider(apiKey string) (*OpenAIProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:         "mistral",
		APIKey:       apiKey,
		BaseURL:      "https://api.mistral.ai/v1",
		DefaultModel: "mistral-large-latest",
	})
}

// Name returns the configured host name.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// DefaultModel returns the model used when a request names none.
func (p *OpenAIProvider) DefaultModel() string {
	return p.defaultModel
}

// Models returns the advertised catalog.
func (p *OpenAIProvider) Models() []llm.ModelInfo {
	return p.models
}

// MaxTokensForModel returns the output ceiling for a model.
func (p *OpenAIProvider) MaxTokensForModel(model string) int {
	for _, m := range p.models {
		if m.ID == model {
			return m.MaxTokens
		}
	}
	return 4096
}

// CountTokens counts tokens with the cl100k_base BPE encoding. Compatible
// hosts use different tokenizers, but cl100k is close enough for budgeting.
func (p *OpenAIProvider) CountTokens(text string) int {
	return BPETokenCount(text)
}

// Complete performs a unary completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.Response, error) {
	return p.complete(ctx, req, nil, llm.ToolChoice{})
}

// CompleteWithTools performs a unary completion with tool definitions.
func (p *OpenAIProvider) CompleteWithTools(ctx context.Context, req *llm.ToolCompletionRequest) (*llm.Response, error) {
	return p.complete(ctx, &req.CompletionRequest, req.Tools, req.ToolChoice)
}

func (p *OpenAIProvider) complete(ctx context.Context, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) (*llm.Response, error) {
	chatReq := p.buildRequest(req, tools, choice)

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, chatReq.Model)
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError(p.name, chatReq.Model, errors.New("response contained no choices"))
	}

	chc := resp.Choices[0]
	result := &llm.Response{
		Content:      chc.Message.Content,
		Model:        resp.Model,
		FinishReason: llm.NormalizeFinishReason(string(chc.FinishReason)),
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range chc.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, models.NewToolCall(
			tc.ID, tc.Function.Name, sanitizeArguments(tc.Function.Arguments),
		))
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = llm.FinishToolCalls
	}

	return result, nil
}

// Stream performs a streaming completion.
func (p *OpenAIProvider) Stream(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.StreamChunk, error) {
	return p.stream(ctx, req, nil, llm.ToolChoice{})
}

// StreamWithTools performs a streaming completion with tool definitions.
func (p *OpenAIProvider) StreamWithTools(ctx context.Context, req *llm.ToolCompletionRequest) (<-chan *llm.StreamChunk, error) {
	return p.stream(ctx, &req.CompletionRequest, req.Tools, req.ToolChoice)
}

func (p *OpenAIProvider) stream(ctx context.Context, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) (<-chan *llm.StreamChunk, error) {
	chatReq := p.buildRequest(req, tools, choice)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, chatReq.Model)
	}

	chunks := make(chan *llm.StreamChunk)
	go p.processStream(stream, chunks, chatReq.Model)
	return chunks, nil
}

// pendingToolCall accumulates streamed tool-call fragments for one index.
// The id and name arrive in the first fragment; argument JSON is appended
// across subsequent fragments and is only valid once the stream finishes.
type pendingToolCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// processStream converts chat completion deltas into stream chunks.
// Completed tool calls surface on the terminal Done chunk in index order.
func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, chunks chan<- *llm.StreamChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*pendingToolCall)
	var usage *models.Usage

	finish := func() {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)

		var completed []models.ToolCall
		for _, i := range indexes {
			tc := pending[i]
			completed = append(completed, models.NewToolCall(tc.id, tc.name, sanitizeArguments(tc.args.String())))
		}

		chunks <- &llm.StreamChunk{Done: true, ToolCalls: completed, Usage: usage}
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			finish()
			return
		}
		if err != nil {
			chunks <- &llm.StreamChunk{Err: p.wrapError(err, model), Done: true}
			return
		}

		if resp.Usage != nil {
			usage = &models.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			chunks <- &llm.StreamChunk{Content: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}

			entry, ok := pending[index]
			if !ok {
				entry = &pendingToolCall{index: index}
				pending[index] = entry
			}
			if tc.ID != "" {
				entry.id = tc.ID
			}
			if tc.Function.Name != "" {
				started := entry.name == ""
				entry.name = tc.Function.Name
				if started {
					chunks <- &llm.StreamChunk{
						ToolCallStart: &llm.ToolCallStart{ID: entry.id, Name: entry.name},
					}
				}
			}
			if tc.Function.Arguments != "" {
				entry.args.WriteString(tc.Function.Arguments)
			}
		}
	}
}

func (p *OpenAIProvider) buildRequest(req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req.Messages),
	}

	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		chatReq.Stop = req.StopSequences
	}
	if req.ResponseFormat == llm.FormatJSONObject {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	if len(tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(tools)
		switch {
		case choice.Mode == llm.ToolChoiceNone:
			chatReq.ToolChoice = "none"
		case choice.Function != "":
			chatReq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: choice.Function},
			}
		}
	}

	return chatReq
}

// convertMessages translates the neutral turn sequence into chat messages.
func (p *OpenAIProvider) convertMessages(messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, msg := range messages {
		chatMsg := openai.ChatCompletionMessage{Role: string(msg.Role)}

		switch msg.Role {
		case models.RoleTool:
			chatMsg.Content = msg.Text()
			chatMsg.ToolCallID = msg.ToolCallID
			chatMsg.Name = msg.Name

		default:
			if len(msg.Blocks) > 0 && hasImageBlock(msg.Blocks) {
				chatMsg.MultiContent = convertBlocks(msg.Content, msg.Blocks)
			} else {
				chatMsg.Content = msg.Text()
			}
			for _, tc := range msg.ToolCalls {
				chatMsg.ToolCalls = append(chatMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
		}

		result = append(result, chatMsg)
	}

	return result
}

func hasImageBlock(blocks []models.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == models.BlockImage {
			return true
		}
	}
	return false
}

func convertBlocks(content string, blocks []models.ContentBlock) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	if content != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: content})
	}
	for _, b := range blocks {
		switch b.Type {
		case models.BlockText:
			if b.Text != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: b.Text})
			}
		case models.BlockImage:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", b.MediaType, b.Data),
				},
			})
		}
	}
	return parts
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	providerErr := &ProviderError{
		Provider: p.name,
		Model:    model,
		Cause:    err,
		Reason:   FailoverUnknown,
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode).WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return providerErr.WithStatus(reqErr.HTTPStatusCode).WithMessage(reqErr.Error())
	}

	providerErr.Reason = ClassifyError(err)
	providerErr.Message = err.Error()
	return providerErr
}

var _ llm.Provider = (*OpenAIProvider)(nil)
var _ llm.ToolStreamer = (*OpenAIProvider)(nil)
