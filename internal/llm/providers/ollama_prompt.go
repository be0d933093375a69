package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nimbus-cli/nimbus/internal/llm"
	"github.com/nimbus-cli/nimbus/pkg/models"
)

// promptedToolRequest rewrites a tool request for models without native tool
// support: the tool catalog is injected as an extra system message and the
// model is instructed to answer with a JSON invocation when it wants a tool.
func promptedToolRequest(req *llm.CompletionRequest, tools []models.ToolDefinition) *llm.CompletionRequest {
	var sb strings.Builder
	sb.WriteString("You have access to the following tools:\n\n")
	for _, tool := range tools {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", tool.Name, tool.Description))
		if len(tool.Parameters) > 0 {
			sb.WriteString(fmt.Sprintf("  Parameters (JSON Schema): %s\n", string(tool.Parameters)))
		}
	}
	sb.WriteString("\nTo call a tool, respond with ONLY a JSON object of the form:\n")
	sb.WriteString(`{"tool": "<tool name>", "arguments": {<arguments>}}` + "\n")
	sb.WriteString("If no tool is needed, respond normally.")

	prompted := *req
	prompted.Messages = append([]models.Message{
		{Role: models.RoleSystem, Content: sb.String()},
	}, req.Messages...)
	return &prompted
}

type promptedInvocation struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParsePromptedToolCall scans model output for a prompt-engineered tool
// invocation. Three strategies run in order: a fenced ```json block, the
// whole trimmed content, and a balanced-brace scan over the text. A hit
// must carry a "tool" string and an "arguments" object.
//
// The second return value is the content with the invocation removed.
func ParsePromptedToolCall(content string) (models.ToolCall, string, bool) {
	trimmed := strings.TrimSpace(content)

	if candidate, rest, ok := fencedJSON(trimmed); ok {
		if tc, ok := decodeInvocation(candidate); ok {
			return tc, rest, true
		}
	}

	if tc, ok := decodeInvocation(trimmed); ok {
		return tc, "", true
	}

	if candidate, rest, ok := balancedObject(trimmed); ok {
		if tc, ok := decodeInvocation(candidate); ok {
			return tc, rest, true
		}
	}

	return models.ToolCall{}, content, false
}

func decodeInvocation(candidate string) (models.ToolCall, bool) {
	var inv promptedInvocation
	if err := json.Unmarshal([]byte(candidate), &inv); err != nil {
		return models.ToolCall{}, false
	}
	if inv.Tool == "" {
		return models.ToolCall{}, false
	}

	args := strings.TrimSpace(string(inv.Arguments))
	if !strings.HasPrefix(args, "{") {
		return models.ToolCall{}, false
	}

	return models.NewToolCall("call_"+uuid.NewString(), inv.Tool, args), true
}

// fencedJSON extracts the body of the first ```json (or bare ```) fence.
func fencedJSON(content string) (string, string, bool) {
	start := strings.Index(content, "```")
	if start < 0 {
		return "", "", false
	}
	body := content[start+3:]
	if strings.HasPrefix(body, "json") {
		body = body[4:]
	}
	end := strings.Index(body, "```")
	if end < 0 {
		return "", "", false
	}

	rest := strings.TrimSpace(content[:start] + body[end+3:])
	return strings.TrimSpace(body[:end]), rest, true
}

// balancedObject finds the first balanced top-level JSON object in the text,
// respecting string literals and escapes.
func balancedObject(content string) (string, string, bool) {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return "", "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					rest := strings.TrimSpace(content[:start] + content[i+1:])
					return content[start : i+1], rest, true
				}
			}
		}
	}
	return "", "", false
}
