// Package auth resolves provider credentials from the on-disk credential
// store with environment variable fallback.
package auth

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// cacheTTL bounds how stale an in-memory copy of auth.json may be.
const cacheTTL = 5 * time.Second

// envKeys maps provider names to their conventional API key variables.
// Providers not listed fall back to <NAME>_API_KEY.
var envKeys = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"groq":       "GROQ_API_KEY",
	"together":   "TOGETHER_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"fireworks":  "FIREWORKS_API_KEY",
	"perplexity": "PERPLEXITY_API_KEY",
}

// Credential is one provider's resolved configuration.
type Credential struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model,omitempty"`
}

// credentialFile is the on-disk layout of ~/.nimbus/auth.json.
type credentialFile struct {
	Version   int                   `json:"version"`
	Providers map[string]Credential `json:"providers"`
}

// Resolver reads credentials from auth.json, caching the parsed file for a
// short window, and falls back to environment variables. Safe for
// concurrent use.
type Resolver struct {
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	cached   *credentialFile
	cachedAt time.Time
}

// NewResolver creates a resolver reading from the given auth.json path.
// An empty path defaults to ~/.nimbus/auth.json.
func NewResolver(path string) *Resolver {
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".nimbus", "auth.json")
		}
	}
	return &Resolver{path: path, now: time.Now, logger: slog.Default().With("component", "auth")}
}

// Resolve returns the credential for a provider. File entries win over
// environment variables; environment variables fill in missing fields. An
// unreadable or malformed file degrades to the environment mapping, so the
// error is always nil today; callers check APIKey.
func (r *Resolver) Resolve(provider string) (Credential, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))

	file := r.load()

	var cred Credential
	if file != nil {
		cred = file.Providers[provider]
	}

	if cred.APIKey == "" {
		cred.APIKey = envAPIKey(provider)
	}

	if provider == "ollama" && cred.BaseURL == "" {
		if base := os.Getenv("OLLAMA_BASE_URL"); base != "" {
			cred.BaseURL = base
		} else {
			cred.BaseURL = "http://localhost:11434"
		}
	}

	return cred, nil
}

// IsConfigured reports whether a provider has a usable credential. Ollama
// needs no key and is always considered configured.
func (r *Resolver) IsConfigured(provider string) bool {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "ollama" {
		return true
	}
	if provider == "bedrock" {
		// Bedrock uses the AWS credential chain rather than an API key.
		return strings.EqualFold(os.Getenv("AWS_BEDROCK_ENABLED"), "true") ||
			os.Getenv("AWS_ACCESS_KEY_ID") != "" ||
			os.Getenv("AWS_PROFILE") != "" ||
			os.Getenv("AWS_ROLE_ARN") != ""
	}
	cred, err := r.Resolve(provider)
	return err == nil && cred.APIKey != ""
}

// ClearCache discards the in-memory copy of auth.json so the next Resolve
// re-reads the file.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
	r.cachedAt = time.Time{}
}

// load reads and caches auth.json. Any read or parse failure degrades to
// an empty file so the environment fallback still applies; the bad file is
// re-checked after the cache window.
func (r *Resolver) load() *credentialFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && r.now().Sub(r.cachedAt) < cacheTTL {
		return r.cached
	}

	file := credentialFile{Providers: map[string]Credential{}}

	data, err := os.ReadFile(r.path)
	switch {
	case os.IsNotExist(err):
		// No credential file; environment fallback still applies.
	case err != nil:
		r.logger.Warn("credentials file unreadable, using environment variables", "path", r.path, "error", err)
	default:
		if err := json.Unmarshal(data, &file); err != nil {
			r.logger.Warn("credentials file malformed, using environment variables", "path", r.path, "error", err)
			file = credentialFile{Providers: map[string]Credential{}}
		} else if file.Providers == nil {
			file.Providers = map[string]Credential{}
		}
	}

	r.cached = &file
	r.cachedAt = r.now()
	return r.cached
}

func envAPIKey(provider string) string {
	if key, ok := envKeys[provider]; ok {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	generic := strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	return os.Getenv(generic)
}
