package router

import "strings"

// patternRules map model name prefixes to providers for bare model names.
// Order matters: first match wins.
var patternRules = []struct {
	prefix   string
	provider string
}{
	{"claude", "anthropic"},
	{"gpt", "openai"},
	{"o1", "openai"},
	{"gemini", "google"},
	{"deepseek", "deepseek"},
	{"llama", "ollama"},
	{"mistral", "ollama"},
	{"codellama", "ollama"},
	{"phi", "ollama"},
}

// DetectProvider resolves a model reference to a (provider, model) pair.
//
// Slash-form IDs ("vendor/model") live in OpenRouter's namespace and are
// routed there with the vendor segment intact, since that is the form its
// wire protocol expects. An explicit "openrouter/" prefix is stripped.
// Bare names are matched against well-known model families; anything left
// falls back to the supplied default provider.
func DetectProvider(model, defaultProvider string) (string, string) {
	model = ResolveAlias(model)

	if prefix, rest, ok := strings.Cut(model, "/"); ok {
		if strings.EqualFold(prefix, "openrouter") {
			return "openrouter", rest
		}
		return "openrouter", model
	}

	lower := strings.ToLower(model)
	for _, rule := range patternRules {
		if strings.HasPrefix(lower, rule.prefix) {
			return rule.provider, model
		}
	}

	return defaultProvider, model
}
