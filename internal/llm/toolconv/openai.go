// Package toolconv converts neutral tool definitions into the per-provider
// wire schemas.
package toolconv

import (
	"encoding/json"

	"github.com/nimbus-cli/nimbus/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// ToOpenAITools converts tool definitions to the OpenAI function schema.
func ToOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
