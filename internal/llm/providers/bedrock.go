package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"github.com/nimbus-cli/nimbus/internal/llm"
	"github.com/nimbus-cli/nimbus/internal/llm/toolconv"
	"github.com/nimbus-cli/nimbus/pkg/models"
)

// BedrockProvider adapts AWS Bedrock via the Converse API. The underlying
// client is built lazily on first use so that constructing the provider
// never touches the AWS credential chain.
type BedrockProvider struct {
	config       BedrockConfig
	defaultModel string

	initOnce sync.Once
	initErr  error
	client   *bedrockruntime.Client
}

// BedrockConfig configures the Bedrock adapter. Empty credential fields fall
// back to the default AWS credential chain (env, shared config, IMDS).
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// NewBedrockProvider creates a Bedrock adapter. The AWS client is not built
// until the first request.
func NewBedrockProvider(config BedrockConfig) *BedrockProvider {
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	model := config.DefaultModel
	if model == "" {
		model = "anthropic.claude-sonnet-4-20250514-v1:0"
	}
	return &BedrockProvider{config: config, defaultModel: model}
}

func (p *BedrockProvider) getClient(ctx context.Context) (*bedrockruntime.Client, error) {
	p.initOnce.Do(func() {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(p.config.Region),
		}
		if p.config.AccessKeyID != "" && p.config.SecretAccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(
					p.config.AccessKeyID, p.config.SecretAccessKey, p.config.SessionToken,
				),
			))
		}

		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			p.initErr = fmt.Errorf("bedrock: load AWS config: %w", err)
			return
		}
		p.client = bedrockruntime.NewFromConfig(cfg)
	})
	return p.client, p.initErr
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// DefaultModel returns the model used when a request names none.
func (p *BedrockProvider) DefaultModel() string {
	return p.defaultModel
}

// Models returns commonly enabled Converse model IDs.
func (p *BedrockProvider) Models() []llm.ModelInfo {
	return []llm.ModelInfo{
		{ID: "anthropic.claude-sonnet-4-20250514-v1:0", Name: "Claude Sonnet 4 (Bedrock)", ContextWindow: 200000, MaxTokens: 64000},
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Name: "Claude 3.5 Sonnet (Bedrock)", ContextWindow: 200000, MaxTokens: 8192},
		{ID: "anthropic.claude-3-5-haiku-20241022-v1:0", Name: "Claude 3.5 Haiku (Bedrock)", ContextWindow: 200000, MaxTokens: 8192},
		{ID: "amazon.nova-pro-v1:0", Name: "Amazon Nova Pro", ContextWindow: 300000, MaxTokens: 5120},
		{ID: "meta.llama3-3-70b-instruct-v1:0", Name: "Llama 3.3 70B (Bedrock)", ContextWindow: 128000, MaxTokens: 4096},
	}
}

// MaxTokensForModel returns the output ceiling for a model.
func (p *BedrockProvider) MaxTokensForModel(model string) int {
	for _, m := range p.Models() {
		if m.ID == model {
			return m.MaxTokens
		}
	}
	return 4096
}

// CountTokens estimates tokens at ~4 characters each.
func (p *BedrockProvider) CountTokens(text string) int {
	return EstimateTokens(text)
}

// Complete performs a unary completion.
func (p *BedrockProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.Response, error) {
	return p.complete(ctx, req, nil, llm.ToolChoice{})
}

// CompleteWithTools performs a unary completion with tool definitions.
func (p *BedrockProvider) CompleteWithTools(ctx context.Context, req *llm.ToolCompletionRequest) (*llm.Response, error) {
	return p.complete(ctx, &req.CompletionRequest, req.Tools, req.ToolChoice)
}

func (p *BedrockProvider) complete(ctx context.Context, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) (*llm.Response, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	input := p.buildInput(req, tools, choice)

	out, err := client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         input.modelID,
		Messages:        input.messages,
		System:          input.system,
		InferenceConfig: input.inference,
		ToolConfig:      input.toolConfig,
	})
	if err != nil {
		return nil, p.wrapError(err, *input.modelID)
	}

	resp := &llm.Response{
		Model:        *input.modelID,
		FinishReason: llm.NormalizeFinishReason(string(out.StopReason)),
	}
	if out.Usage != nil {
		resp.Usage = models.Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}

	if message, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		var content strings.Builder
		for _, block := range message.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				content.WriteString(b.Value)
			case *types.ContentBlockMemberToolUse:
				resp.ToolCalls = append(resp.ToolCalls, toolUseToToolCall(b.Value))
			}
		}
		resp.Content = content.String()
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = llm.FinishToolCalls
	}

	return resp, nil
}

// Stream performs a streaming completion.
func (p *BedrockProvider) Stream(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.StreamChunk, error) {
	return p.stream(ctx, req, nil, llm.ToolChoice{})
}

// StreamWithTools performs a streaming completion with tool definitions.
func (p *BedrockProvider) StreamWithTools(ctx context.Context, req *llm.ToolCompletionRequest) (<-chan *llm.StreamChunk, error) {
	return p.stream(ctx, &req.CompletionRequest, req.Tools, req.ToolChoice)
}

func (p *BedrockProvider) stream(ctx context.Context, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) (<-chan *llm.StreamChunk, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	input := p.buildInput(req, tools, choice)

	out, err := client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         input.modelID,
		Messages:        input.messages,
		System:          input.system,
		InferenceConfig: input.inference,
		ToolConfig:      input.toolConfig,
	})
	if err != nil {
		return nil, p.wrapError(err, *input.modelID)
	}

	chunks := make(chan *llm.StreamChunk)
	go p.processStream(out.GetStream(), chunks, *input.modelID)
	return chunks, nil
}

// processStream converts Converse stream events into stream chunks. Tool-use
// argument fragments accumulate per content block and completed calls ride
// on the terminal Done chunk, together with usage from the metadata event.
func (p *BedrockProvider) processStream(stream *bedrockruntime.ConverseStreamEventStream, chunks chan<- *llm.StreamChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	var (
		current      *models.ToolCall
		currentInput strings.Builder
		completed    []models.ToolCall
		usage        *models.Usage
	)

	flush := func() {
		if current == nil {
			return
		}
		current.Function.Arguments = sanitizeArguments(currentInput.String())
		completed = append(completed, *current)
		current = nil
		currentInput.Reset()
	}

	for event := range stream.Events() {
		switch e := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				id := aws.ToString(start.Value.ToolUseId)
				name := aws.ToString(start.Value.Name)
				tc := models.NewToolCall(id, name, "")
				current = &tc
				currentInput.Reset()
				chunks <- &llm.StreamChunk{ToolCallStart: &llm.ToolCallStart{ID: id, Name: name}}
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := e.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					chunks <- &llm.StreamChunk{Content: delta.Value}
				}
			case *types.ContentBlockDeltaMemberToolUse:
				currentInput.WriteString(aws.ToString(delta.Value.Input))
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			flush()

		case *types.ConverseStreamOutputMemberMetadata:
			if e.Value.Usage != nil {
				usage = &models.Usage{
					PromptTokens:     int(aws.ToInt32(e.Value.Usage.InputTokens)),
					CompletionTokens: int(aws.ToInt32(e.Value.Usage.OutputTokens)),
					TotalTokens:      int(aws.ToInt32(e.Value.Usage.TotalTokens)),
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &llm.StreamChunk{Err: p.wrapError(err, model), Done: true}
		return
	}

	flush()
	chunks <- &llm.StreamChunk{Done: true, ToolCalls: completed, Usage: usage}
}

type bedrockInput struct {
	modelID    *string
	messages   []types.Message
	system     []types.SystemContentBlock
	inference  *types.InferenceConfiguration
	toolConfig *types.ToolConfiguration
}

func (p *BedrockProvider) buildInput(req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) bedrockInput {
	system, rest := SplitSystem(req.Messages)

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	input := bedrockInput{
		modelID:  aws.String(model),
		messages: convertBedrockMessages(rest),
	}

	if system != "" {
		input.system = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}

	inference := &types.InferenceConfiguration{}
	hasInference := false
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
		hasInference = true
	}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(*req.Temperature)
		hasInference = true
	}
	if len(req.StopSequences) > 0 {
		inference.StopSequences = req.StopSequences
		hasInference = true
	}
	if hasInference {
		input.inference = inference
	}

	if len(tools) > 0 && choice.Mode != llm.ToolChoiceNone {
		input.toolConfig = toolconv.ToBedrockTools(tools)
		if choice.Function != "" {
			input.toolConfig.ToolChoice = &types.ToolChoiceMemberTool{
				Value: types.SpecificToolChoice{Name: aws.String(choice.Function)},
			}
		}
	}

	return input
}

// convertBedrockMessages translates the neutral turn sequence into Converse
// messages. Tool results become tool_result blocks on a user turn.
func convertBedrockMessages(messages []models.Message) []types.Message {
	var result []types.Message

	for _, msg := range messages {
		if msg.Role == models.RoleTool {
			result = append(result, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberToolResult{
						Value: types.ToolResultBlock{
							ToolUseId: aws.String(msg.ToolCallID),
							Content: []types.ToolResultContentBlock{
								&types.ToolResultContentBlockMemberText{Value: msg.Text()},
							},
						},
					},
				},
			})
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}

		var content []types.ContentBlock
		if text := msg.Text(); text != "" {
			content = append(content, &types.ContentBlockMemberText{Value: text})
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Function.Name),
					Input:     document.NewLazyDocument(parseToolArguments(tc)),
				},
			})
		}
		if len(content) == 0 {
			continue
		}

		result = append(result, types.Message{Role: role, Content: content})
	}

	return result
}

// toolUseToToolCall converts a Converse tool-use block, serializing the
// document input back to a JSON string.
func toolUseToToolCall(block types.ToolUseBlock) models.ToolCall {
	args := "{}"
	if block.Input != nil {
		if data, err := block.Input.MarshalSmithyDocument(); err == nil && len(data) > 0 {
			args = string(data)
		}
	}
	id := aws.ToString(block.ToolUseId)
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return models.NewToolCall(id, aws.ToString(block.Name), args)
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	providerErr := &ProviderError{
		Provider: "bedrock",
		Model:    model,
		Cause:    err,
		Message:  err.Error(),
		Reason:   ClassifyError(err),
	}

	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		providerErr.Reason = FailoverRateLimit
	}
	var denied *types.AccessDeniedException
	if errors.As(err, &denied) {
		providerErr.Reason = FailoverAuth
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		providerErr.Reason = FailoverModelUnavailable
	}

	return providerErr
}

var _ llm.Provider = (*BedrockProvider)(nil)
var _ llm.ToolStreamer = (*BedrockProvider)(nil)
