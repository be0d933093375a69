package models

import "encoding/json"

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Content block types.
const (
	BlockText  = "text"
	BlockImage = "image"
)

// Message is the neutral message format shared by every provider adapter.
// Content carries plain text; Blocks, when present, carries an ordered mix
// of text and image blocks for vision-capable models.
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

// ContentBlock is one unit of rich message content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// Image fields. MediaType is one of image/png, image/jpeg,
	// image/gif, image/webp; Data is base64-encoded.
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Text returns the plain-text content of the message: Content plus the text
// of every text block in order. Image blocks are skipped.
func (m *Message) Text() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	out := m.Content
	for _, b := range m.Blocks {
		if b.Type != BlockText || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds a base64 image content block.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, MediaType: mediaType, Data: data}
}

// ToolCall represents a model's request to invoke a named function.
// Function.Arguments is kept as the raw JSON-encoded string the provider
// produced so callers can re-emit it byte for byte.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function half of a ToolCall.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewToolCall builds a function tool call.
func NewToolCall(id, name, arguments string) ToolCall {
	return ToolCall{
		ID:   id,
		Type: "function",
		Function: FunctionCall{
			Name:      name,
			Arguments: arguments,
		},
	}
}

// ToolDefinition describes a callable tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Usage carries per-request token counts as reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
