package providers

import (
	"strings"

	"github.com/nimbus-cli/nimbus/internal/llm"
	"github.com/nimbus-cli/nimbus/pkg/models"
)

// SplitSystem extracts system messages into a single prompt, joined by blank
// lines, and returns the remaining turn sequence. Adapters never forward
// system messages inline; each wire format has its own dedicated slot.
func SplitSystem(messages []models.Message) (string, []models.Message) {
	var system []string
	rest := make([]models.Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if text := msg.Text(); text != "" {
				system = append(system, text)
			}
			continue
		}
		rest = append(rest, msg)
	}

	return strings.Join(system, "\n\n"), rest
}

// Collect drains a stream into a unary response. Used by adapters whose wire
// protocol is streaming-only and by the router's degrade paths.
func Collect(chunks <-chan *llm.StreamChunk) (*llm.Response, error) {
	resp := &llm.Response{FinishReason: llm.FinishStop}
	var content strings.Builder

	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		content.WriteString(chunk.Content)
		if chunk.Done {
			resp.ToolCalls = chunk.ToolCalls
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
	}

	resp.Content = content.String()
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = llm.FinishToolCalls
	}
	return resp, nil
}

// sanitizeArguments guarantees a tool call carries a JSON object string.
// Providers occasionally emit empty argument bodies for zero-parameter tools.
func sanitizeArguments(args string) string {
	if strings.TrimSpace(args) == "" {
		return "{}"
	}
	return args
}
