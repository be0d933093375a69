// Package llm defines the neutral request, response, and streaming types
// shared by the router and every provider adapter.
package llm

import (
	"strings"

	"github.com/nimbus-cli/nimbus/pkg/models"
)

// ResponseFormat constrains the shape of the model's output.
type ResponseFormat string

const (
	FormatText       ResponseFormat = "text"
	FormatJSONObject ResponseFormat = "json_object"
)

// CompletionRequest is a provider-agnostic chat completion request.
// Model may be an alias or a provider/model form; the router resolves it
// before dispatch.
type CompletionRequest struct {
	Messages       []models.Message
	Model          string
	Temperature    *float32
	MaxTokens      int
	StopSequences  []string
	ResponseFormat ResponseFormat
}

// Tool choice modes.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

// ToolChoice directs how the model may use the supplied tools.
type ToolChoice struct {
	// Mode is "auto" or "none"; empty means auto.
	Mode string
	// Function, when set, forces a call to the named function.
	Function string
}

// ToolCompletionRequest adds tool definitions to a completion request.
type ToolCompletionRequest struct {
	CompletionRequest
	Tools      []models.ToolDefinition
	ToolChoice ToolChoice
}

// Response is a completed (non-streaming) model turn.
type Response struct {
	Content      string
	ToolCalls    []models.ToolCall
	Usage        models.Usage
	Model        string
	FinishReason FinishReason

	// Cost is attached by the router after pricing lookup.
	Cost *CostResult
}

// ToolCallStart announces a tool-use block before its arguments are known.
type ToolCallStart struct {
	ID   string
	Name string
}

// StreamChunk is one unit of a streamed response. Exactly one chunk in a
// successful stream has Done=true and it is the last; accumulated ToolCalls
// and Usage ride on that final chunk. Err terminates the stream.
type StreamChunk struct {
	Content       string
	Done          bool
	ToolCalls     []models.ToolCall
	ToolCallStart *ToolCallStart
	Usage         *models.Usage
	Err           error
}

// CostResult is the router's computed price for one request.
type CostResult struct {
	CostUSD   float64
	Breakdown CostBreakdown
}

// CostBreakdown splits cost into input and output components.
type CostBreakdown struct {
	Input  float64
	Output float64
}

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	ID            string
	Name          string
	ContextWindow int
	MaxTokens     int
}

// FinishReason is the normalized terminal condition of a generation.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// NormalizeFinishReason collapses provider-specific finish reasons into the
// four canonical values. Unrecognized reasons map to stop.
func NormalizeFinishReason(raw string) FinishReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "stop", "end_turn", "stop_sequence", "complete", "finished":
		return FinishStop
	case "length", "max_tokens", "model_length":
		return FinishLength
	case "tool_calls", "tool_use", "function_call":
		return FinishToolCalls
	case "content_filter", "content_filtered", "safety", "guardrail_intervened":
		return FinishContentFilter
	default:
		return FinishStop
	}
}
