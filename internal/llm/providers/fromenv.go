package providers

import (
	"context"
	"log/slog"
	"os"

	"github.com/nimbus-cli/nimbus/internal/auth"
	"github.com/nimbus-cli/nimbus/internal/llm"
)

// FromEnvironment builds adapters for every provider with a resolvable
// credential. Ollama is always included; it needs no key. Construction
// failures are logged and skipped so one bad credential never takes down
// the rest.
func FromEnvironment(ctx context.Context, resolver *auth.Resolver, logger *slog.Logger) map[string]llm.Provider {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "providers")

	result := make(map[string]llm.Provider)

	add := func(name string, build func(cred auth.Credential) (llm.Provider, error)) {
		cred, err := resolver.Resolve(name)
		if err != nil {
			logger.Warn("credential resolution failed", "provider", name, "error", err)
			return
		}
		if cred.APIKey == "" && name != "ollama" && name != "bedrock" {
			return
		}
		provider, err := build(cred)
		if err != nil {
			logger.Warn("provider initialization failed", "provider", name, "error", err)
			return
		}
		result[name] = provider
	}

	add("anthropic", func(cred auth.Credential) (llm.Provider, error) {
		return NewAnthropicProvider(AnthropicConfig{
			APIKey: cred.APIKey, BaseURL: cred.BaseURL, DefaultModel: cred.Model,
		})
	})

	add("openai", func(cred auth.Credential) (llm.Provider, error) {
		return NewOpenAIProvider(cred.APIKey, cred.BaseURL)
	})

	add("google", func(cred auth.Credential) (llm.Provider, error) {
		return NewGoogleProvider(ctx, GoogleConfig{
			APIKey: cred.APIKey, DefaultModel: cred.Model,
		})
	})

	add("ollama", func(cred auth.Credential) (llm.Provider, error) {
		return NewOllamaProvider(OllamaConfig{
			BaseURL: cred.BaseURL, DefaultModel: cred.Model,
		}), nil
	})

	if resolver.IsConfigured("bedrock") {
		result["bedrock"] = NewBedrockProvider(BedrockConfig{
			Region:          os.Getenv("AWS_REGION"),
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		})
	}

	compat := map[string]func(string) (*OpenAIProvider, error){
		"openrouter": NewOpenRouterProvider,
		"groq":       NewGroqProvider,
		"together":   NewTogetherProvider,
		"deepseek":   NewDeepSeekProvider,
		"fireworks":  NewFireworksProvider,
		"perplexity": NewPerplexityProvider,
		"mistral":    NewMistralProvider,
	}
	for name, build := range compat {
		add(name, func(cred auth.Credential) (llm.Provider, error) {
			return build(cred.APIKey)
		})
	}

	return result
}
