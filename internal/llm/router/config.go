package router

import (
	"os"
	"strconv"
	"strings"

	"github.com/nimbus-cli/nimbus/internal/retry"
)

// defaultMaxTokens caps the per-request output budget when no tighter
// limit is configured.
const defaultMaxTokens = 32768

// Config controls routing behavior.
type Config struct {
	// DefaultProvider serves requests whose model matches no pattern.
	DefaultProvider string

	// DefaultModel is used when a request names no model.
	DefaultModel string

	// CheapModel and ExpensiveModel drive cost optimization when enabled:
	// a request tagged with a task class in CheapFor routes to the cheap
	// model, one tagged with a class in ExpensiveFor to the expensive one.
	CheapModel     string
	ExpensiveModel string

	// CheapFor and ExpensiveFor are the task class label sets.
	CheapFor     []string
	ExpensiveFor []string

	EnableCostOptimization bool

	// DisableFallback turns off cross-provider failover.
	DisableFallback bool

	// FallbackProviders is the failover order. Providers missing from the
	// registry are skipped.
	FallbackProviders []string

	// MaxTokens caps every request's output budget.
	MaxTokens int

	// Retry tunes the per-provider retry schedule.
	Retry retry.Config
}

// DefaultConfig returns the stock routing configuration.
func DefaultConfig() Config {
	return Config{
		DefaultProvider:   "anthropic",
		DefaultModel:      "claude-sonnet-4-20250514",
		CheapModel:        "claude-3-5-haiku-20241022",
		ExpensiveModel:    "claude-sonnet-4-20250514",
		CheapFor:          []string{"summarization", "classification", "formatting"},
		ExpensiveFor:      []string{"code_generation", "reasoning", "debugging"},
		FallbackProviders: []string{"anthropic", "openai", "google", "ollama"},
		MaxTokens:         defaultMaxTokens,
		Retry:             retry.DefaultConfig(),
	}
}

// ConfigFromEnv builds a Config from environment variables, starting from
// the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("DEFAULT_PROVIDER"); v != "" {
		cfg.DefaultProvider = strings.ToLower(v)
	}
	if v := os.Getenv("DEFAULT_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("CHEAP_MODEL"); v != "" {
		cfg.CheapModel = v
	}
	if v := os.Getenv("EXPENSIVE_MODEL"); v != "" {
		cfg.ExpensiveModel = v
	}
	if v := os.Getenv("ENABLE_COST_OPTIMIZATION"); v != "" {
		cfg.EnableCostOptimization = parseBool(v)
	}
	if v := os.Getenv("DISABLE_FALLBACK"); v != "" {
		cfg.DisableFallback = parseBool(v)
	}
	if v := os.Getenv("FALLBACK_PROVIDERS"); v != "" {
		var providers []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				providers = append(providers, p)
			}
		}
		if len(providers) > 0 {
			cfg.FallbackProviders = providers
		}
	}
	if v := os.Getenv("MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxTokens = n
		}
	}

	return cfg
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
