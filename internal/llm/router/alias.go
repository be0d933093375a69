// Package router selects providers, applies token budgets, retries with
// backoff, and fails over across providers for unary and streaming
// completions.
package router

import "strings"

// modelAliases maps short friendly names to full model IDs. Resolution is
// idempotent: a full ID passes through unchanged.
var modelAliases = map[string]string{
	"sonnet": "claude-sonnet-4-20250514",
	"opus":   "claude-opus-4-20250514",
	"haiku":  "claude-3-5-haiku-20241022",
	"gpt4o":  "gpt-4o",
	"gpt4":   "gpt-4-turbo",
	"gemini": "gemini-2.0-flash",
}

// ResolveAlias expands a model alias to its full ID. The lookup is
// case-insensitive; unknown names are returned unchanged.
func ResolveAlias(model string) string {
	if full, ok := modelAliases[strings.ToLower(model)]; ok {
		return full
	}
	return model
}
