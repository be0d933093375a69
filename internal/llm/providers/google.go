package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nimbus-cli/nimbus/internal/llm"
	"github.com/nimbus-cli/nimbus/internal/llm/toolconv"
	"github.com/nimbus-cli/nimbus/pkg/models"
)

// GoogleProvider adapts the Gemini API. Gemini delivers function calls as
// whole objects rather than argument deltas, and does not assign call IDs,
// so the adapter mints them.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
}

// GoogleConfig configures the Gemini adapter.
type GoogleConfig struct {
	// APIKey is required.
	APIKey string

	// DefaultModel is used when the request does not name a model.
	DefaultModel string
}

// NewGoogleProvider creates a Gemini adapter.
func NewGoogleProvider(ctx context.Context, config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}

	return &GoogleProvider{client: client, defaultModel: config.DefaultModel}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// DefaultModel returns the model used when a request names none.
func (p *GoogleProvider) DefaultModel() string {
	return p.defaultModel
}

// Models returns the supported Gemini models.
func (p *GoogleProvider) Models() []llm.ModelInfo {
	return []llm.ModelInfo{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextWindow: 1048576, MaxTokens: 8192},
		{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", ContextWindow: 1048576, MaxTokens: 8192},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextWindow: 2097152, MaxTokens: 8192},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextWindow: 1048576, MaxTokens: 8192},
	}
}

// MaxTokensForModel returns the output ceiling for a model.
func (p *GoogleProvider) MaxTokensForModel(model string) int {
	for _, m := range p.Models() {
		if m.ID == model {
			return m.MaxTokens
		}
	}
	return 8192
}

// CountTokens estimates tokens at ~4 characters each.
func (p *GoogleProvider) CountTokens(text string) int {
	return EstimateTokens(text)
}

// Complete performs a unary completion.
func (p *GoogleProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.Response, error) {
	return p.complete(ctx, req, nil, llm.ToolChoice{})
}

// CompleteWithTools performs a unary completion with tool definitions.
func (p *GoogleProvider) CompleteWithTools(ctx context.Context, req *llm.ToolCompletionRequest) (*llm.Response, error) {
	return p.complete(ctx, &req.CompletionRequest, req.Tools, req.ToolChoice)
}

func (p *GoogleProvider) complete(ctx context.Context, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) (*llm.Response, error) {
	model, contents, config := p.buildRequest(req, tools, choice)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	result := &llm.Response{Model: model, FinishReason: llm.FinishStop}

	if resp.UsageMetadata != nil {
		result.Usage = models.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	if len(resp.Candidates) == 0 {
		return result, nil
	}
	candidate := resp.Candidates[0]
	result.FinishReason = llm.NormalizeFinishReason(string(candidate.FinishReason))

	var content strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				content.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				result.ToolCalls = append(result.ToolCalls, functionCallToToolCall(part.FunctionCall))
			}
		}
	}
	result.Content = content.String()
	if len(result.ToolCalls) > 0 {
		result.FinishReason = llm.FinishToolCalls
	}

	return result, nil
}

// Stream performs a streaming completion.
func (p *GoogleProvider) Stream(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.StreamChunk, error) {
	return p.stream(ctx, req, nil, llm.ToolChoice{})
}

// StreamWithTools performs a streaming completion with tool definitions.
func (p *GoogleProvider) StreamWithTools(ctx context.Context, req *llm.ToolCompletionRequest) (<-chan *llm.StreamChunk, error) {
	return p.stream(ctx, &req.CompletionRequest, req.Tools, req.ToolChoice)
}

func (p *GoogleProvider) stream(ctx context.Context, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) (<-chan *llm.StreamChunk, error) {
	model, contents, config := p.buildRequest(req, tools, choice)

	chunks := make(chan *llm.StreamChunk)
	go func() {
		defer close(chunks)

		var (
			completed []models.ToolCall
			usage     *models.Usage
		)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				chunks <- &llm.StreamChunk{Err: p.wrapError(err, model), Done: true}
				return
			}

			if resp.UsageMetadata != nil {
				usage = &models.Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
			}

			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" {
					chunks <- &llm.StreamChunk{Content: part.Text}
				}
				if part.FunctionCall != nil {
					tc := functionCallToToolCall(part.FunctionCall)
					chunks <- &llm.StreamChunk{
						ToolCallStart: &llm.ToolCallStart{ID: tc.ID, Name: tc.Function.Name},
					}
					completed = append(completed, tc)
				}
			}
		}

		chunks <- &llm.StreamChunk{Done: true, ToolCalls: completed, Usage: usage}
	}()
	return chunks, nil
}

// functionCallToToolCall converts a whole-object Gemini function call,
// minting an ID since the API does not provide one.
func functionCallToToolCall(fc *genai.FunctionCall) models.ToolCall {
	args := "{}"
	if len(fc.Args) > 0 {
		if data, err := json.Marshal(fc.Args); err == nil {
			args = string(data)
		}
	}
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return models.NewToolCall(id, fc.Name, args)
}

func (p *GoogleProvider) buildRequest(req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) (string, []*genai.Content, *genai.GenerateContentConfig) {
	system, rest := SplitSystem(req.Messages)

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.Temperature != nil {
		config.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.StopSequences) > 0 {
		config.StopSequences = req.StopSequences
	}
	if req.ResponseFormat == llm.FormatJSONObject {
		config.ResponseMIMEType = "application/json"
	}

	if len(tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(tools)
		if choice.Function != "" {
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{
					Mode:                 genai.FunctionCallingConfigModeAny,
					AllowedFunctionNames: []string{choice.Function},
				},
			}
		} else if choice.Mode == llm.ToolChoiceNone {
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{
					Mode: genai.FunctionCallingConfigModeNone,
				},
			}
		}
	}

	return model, p.convertMessages(rest), config
}

// convertMessages translates the neutral turn sequence into Gemini contents.
// Tool results become function response parts keyed by tool name.
func (p *GoogleProvider) convertMessages(messages []models.Message) []*genai.Content {
	var contents []*genai.Content

	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Role == models.RoleAssistant {
			role = genai.RoleModel
		}

		var parts []*genai.Part

		if msg.Role == models.RoleTool {
			response := map[string]any{}
			if err := json.Unmarshal([]byte(msg.Text()), &response); err != nil {
				response = map[string]any{"result": msg.Text()}
			}
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     msg.Name,
					Response: response,
				},
			})
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
			continue
		}

		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		for _, block := range msg.Blocks {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					parts = append(parts, &genai.Part{Text: block.Text})
				}
			case models.BlockImage:
				if raw, err := base64.StdEncoding.DecodeString(block.Data); err == nil {
					parts = append(parts, &genai.Part{
						InlineData: &genai.Blob{MIMEType: block.MediaType, Data: raw},
					})
				}
			}
		}
		for _, tc := range msg.ToolCalls {
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: parseToolArguments(tc),
				},
			})
		}

		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	return contents
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return (&ProviderError{
			Provider: "google",
			Model:    model,
			Cause:    err,
			Reason:   FailoverUnknown,
		}).WithStatus(apiErr.Code).WithCode(apiErr.Status).WithMessage(apiErr.Message)
	}

	return NewProviderError("google", model, err)
}

var _ llm.Provider = (*GoogleProvider)(nil)
var _ llm.ToolStreamer = (*GoogleProvider)(nil)
