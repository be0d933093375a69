// Package providers implements the provider adapters behind the LLM router.
//
// Each adapter translates the neutral request/response model into one remote
// wire protocol (Anthropic Messages, OpenAI chat completions, Google
// generative, Ollama local, AWS Bedrock Converse), reassembles streamed
// tool-call argument deltas, and extracts token usage. Retry and failover
// live in the router, not here.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/nimbus-cli/nimbus/internal/llm"
	"github.com/nimbus-cli/nimbus/internal/llm/toolconv"
	"github.com/nimbus-cli/nimbus/pkg/models"
)

// AnthropicProvider adapts the Anthropic Messages API.
//
// Safe for concurrent use; each Stream call creates an independent SSE
// stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey is required. Format: sk-ant-...
	APIKey string

	// BaseURL overrides the default API base URL.
	BaseURL string

	// DefaultModel is used when the request does not name a model.
	DefaultModel string
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// DefaultModel returns the model used when a request names none.
func (p *AnthropicProvider) DefaultModel() string {
	return p.defaultModel
}

// Models returns the supported Claude models.
func (p *AnthropicProvider) Models() []llm.ModelInfo {
	return []llm.ModelInfo{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextWindow: 200000, MaxTokens: 64000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextWindow: 200000, MaxTokens: 32000},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextWindow: 200000, MaxTokens: 8192},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextWindow: 200000, MaxTokens: 8192},
		{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", ContextWindow: 200000, MaxTokens: 4096},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextWindow: 200000, MaxTokens: 4096},
	}
}

// MaxTokensForModel returns the output ceiling for a model.
func (p *AnthropicProvider) MaxTokensForModel(model string) int {
	for _, m := range p.Models() {
		if m.ID == model {
			return m.MaxTokens
		}
	}
	return 4096
}

// CountTokens estimates tokens at ~4 characters each. Anthropic's official
// count endpoint costs a round trip, so routing sticks with the estimate.
func (p *AnthropicProvider) CountTokens(text string) int {
	return EstimateTokens(text)
}

// Complete performs a unary completion.
func (p *AnthropicProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.Response, error) {
	return p.complete(ctx, req, nil, llm.ToolChoice{})
}

// CompleteWithTools performs a unary completion with tool definitions.
func (p *AnthropicProvider) CompleteWithTools(ctx context.Context, req *llm.ToolCompletionRequest) (*llm.Response, error) {
	return p.complete(ctx, &req.CompletionRequest, req.Tools, req.ToolChoice)
}

func (p *AnthropicProvider) complete(ctx context.Context, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) (*llm.Response, error) {
	params, err := p.buildParams(req, tools, choice)
	if err != nil {
		return nil, err
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, string(params.Model))
	}

	resp := &llm.Response{
		Model:        string(message.Model),
		FinishReason: llm.NormalizeFinishReason(string(message.StopReason)),
		Usage: models.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}

	var content strings.Builder
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			resp.ToolCalls = append(resp.ToolCalls, models.NewToolCall(
				toolUse.ID,
				toolUse.Name,
				sanitizeArguments(string(toolUse.Input)),
			))
		}
	}
	resp.Content = content.String()

	return resp, nil
}

// Stream performs a streaming completion.
func (p *AnthropicProvider) Stream(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.StreamChunk, error) {
	return p.stream(ctx, req, nil, llm.ToolChoice{})
}

// StreamWithTools performs a streaming completion with tool definitions.
func (p *AnthropicProvider) StreamWithTools(ctx context.Context, req *llm.ToolCompletionRequest) (<-chan *llm.StreamChunk, error) {
	return p.stream(ctx, &req.CompletionRequest, req.Tools, req.ToolChoice)
}

func (p *AnthropicProvider) stream(ctx context.Context, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) (<-chan *llm.StreamChunk, error) {
	params, err := p.buildParams(req, tools, choice)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *llm.StreamChunk)
	go p.processStream(stream, chunks, string(params.Model))
	return chunks, nil
}

// maxEmptyStreamEvents is the maximum number of consecutive empty events
// before treating the stream as malformed.
const maxEmptyStreamEvents = 300

// processStream converts Anthropic SSE events into stream chunks.
//
// Tool calls arrive in three phases: content_block_start carries the id and
// name (surfaced as a ToolCallStart), input_json_delta events stream the
// argument JSON in fragments, and content_block_stop finalizes the call.
// Completed calls are held back and surfaced on the terminal Done chunk
// together with usage (input tokens from message_start, output tokens from
// message_delta).
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *llm.StreamChunk, model string) {
	defer close(chunks)

	var (
		current      *models.ToolCall
		currentInput strings.Builder
		completed    []models.ToolCall
		inputTokens  int
		outputTokens int
	)
	emptyEventCount := 0

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				tc := models.NewToolCall(toolUse.ID, toolUse.Name, "")
				current = &tc
				currentInput.Reset()
				chunks <- &llm.StreamChunk{
					ToolCallStart: &llm.ToolCallStart{ID: toolUse.ID, Name: toolUse.Name},
				}
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &llm.StreamChunk{Content: delta.Text}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if current != nil {
				current.Function.Arguments = sanitizeArguments(currentInput.String())
				completed = append(completed, *current)
				current = nil
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			chunks <- &llm.StreamChunk{
				Done:      true,
				ToolCalls: completed,
				Usage: &models.Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				},
			}
			return

		case "error":
			chunks <- &llm.StreamChunk{
				Err:  p.wrapError(errors.New("anthropic stream error"), model),
				Done: true,
			}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- &llm.StreamChunk{
					Err:  NewProviderError("anthropic", model, errors.New("stream appears malformed: too many consecutive empty events")),
					Done: true,
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &llm.StreamChunk{Err: p.wrapError(err, model), Done: true}
	}
}

func (p *AnthropicProvider) buildParams(req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) (anthropic.MessageNewParams, error) {
	system, rest := SplitSystem(req.Messages)

	messages, err := p.convertMessages(rest)
	if err != nil {
		return anthropic.MessageNewParams{}, NewProviderError("anthropic", req.Model, err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	if len(tools) > 0 {
		converted, err := toolconv.ToAnthropicTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, NewProviderError("anthropic", model, err)
		}
		params.Tools = converted

		// tool_choice "none" is expressed by omitting the parameter while
		// keeping the tools array; only a forced function is sent explicitly.
		if choice.Function != "" {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfTool: &anthropic.ToolChoiceToolParam{Name: choice.Function},
			}
		}
	}

	return params, nil
}

// convertMessages translates the neutral turn sequence into Anthropic
// message params. Tool results become tool_result blocks on a user message;
// assistant tool calls become tool_use blocks.
func (p *AnthropicProvider) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text(), false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, block := range msg.Blocks {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text))
				}
			case models.BlockImage:
				content = append(content, anthropic.NewImageBlockBase64(block.MediaType, block.Data))
			}
		}

		for _, tc := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(tc.ID, parseToolArguments(tc), tc.Function.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// parseToolArguments re-parses the stored argument string for wire formats
// that want an object. Malformed arguments degrade to an empty object.
func parseToolArguments(tc models.ToolCall) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || args == nil {
		if err != nil {
			slog.Error("malformed tool call arguments", "tool", tc.Function.Name, "error", err)
		}
		return map[string]any{}
	}
	return args
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   FailoverUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := ""
		if apiErr.Response != nil {
			requestID = apiErr.Response.Header.Get("request-id")
		}

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}

var _ llm.Provider = (*AnthropicProvider)(nil)
var _ llm.ToolStreamer = (*AnthropicProvider)(nil)
