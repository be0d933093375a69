package llm

import "context"

// Provider is the capability set every adapter satisfies. Streams are
// delivered over a channel closed by the producing goroutine; dropping the
// consumer is handled by cancelling ctx, which closes the underlying
// connection.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// DefaultModel returns the model served when a request names none.
	DefaultModel() string

	// Complete performs a unary chat completion.
	Complete(ctx context.Context, req *CompletionRequest) (*Response, error)

	// Stream performs a streaming chat completion.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *StreamChunk, error)

	// CompleteWithTools performs a unary completion with tool definitions.
	CompleteWithTools(ctx context.Context, req *ToolCompletionRequest) (*Response, error)

	// CountTokens estimates the token count of a text.
	CountTokens(text string) int

	// MaxTokensForModel returns the output token ceiling for a model.
	MaxTokensForModel(model string) int

	// Models lists the models this provider can serve.
	Models() []ModelInfo
}

// ToolStreamer is implemented by providers that support streaming
// completions with tool calls. The router degrades to CompleteWithTools
// for providers that do not.
type ToolStreamer interface {
	StreamWithTools(ctx context.Context, req *ToolCompletionRequest) (<-chan *StreamChunk, error)
}
