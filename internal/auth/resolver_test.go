package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAuthFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveFromFile(t *testing.T) {
	path := writeAuthFile(t, `{
		"version": 1,
		"providers": {
			"anthropic": {"apiKey": "sk-ant-test", "model": "claude-3-5-haiku-20241022"},
			"openai": {"apiKey": "sk-test", "baseUrl": "https://proxy.example.com/v1"}
		}
	}`)
	r := NewResolver(path)

	cred, err := r.Resolve("anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if cred.APIKey != "sk-ant-test" || cred.Model != "claude-3-5-haiku-20241022" {
		t.Errorf("cred = %+v", cred)
	}

	cred, err = r.Resolve("openai")
	if err != nil {
		t.Fatal(err)
	}
	if cred.BaseURL != "https://proxy.example.com/v1" {
		t.Errorf("baseURL = %q", cred.BaseURL)
	}
}

func TestResolveEnvFallback(t *testing.T) {
	r := NewResolver(filepath.Join(t.TempDir(), "missing.json"))

	t.Setenv("GROQ_API_KEY", "gsk-env")
	cred, err := r.Resolve("groq")
	if err != nil {
		t.Fatal(err)
	}
	if cred.APIKey != "gsk-env" {
		t.Errorf("apiKey = %q", cred.APIKey)
	}
}

func TestResolveGenericEnvKey(t *testing.T) {
	r := NewResolver(filepath.Join(t.TempDir(), "missing.json"))

	t.Setenv("SOMEHOST_API_KEY", "key-123")
	cred, err := r.Resolve("somehost")
	if err != nil {
		t.Fatal(err)
	}
	if cred.APIKey != "key-123" {
		t.Errorf("apiKey = %q", cred.APIKey)
	}
}

func TestFileWinsOverEnv(t *testing.T) {
	path := writeAuthFile(t, `{"version": 1, "providers": {"openai": {"apiKey": "from-file"}}}`)
	r := NewResolver(path)

	t.Setenv("OPENAI_API_KEY", "from-env")
	cred, err := r.Resolve("openai")
	if err != nil {
		t.Fatal(err)
	}
	if cred.APIKey != "from-file" {
		t.Errorf("apiKey = %q, file entry must win", cred.APIKey)
	}
}

func TestResolveCaching(t *testing.T) {
	path := writeAuthFile(t, `{"version": 1, "providers": {"openai": {"apiKey": "first"}}}`)
	r := NewResolver(path)

	now := time.Now()
	r.now = func() time.Time { return now }

	if cred, _ := r.Resolve("openai"); cred.APIKey != "first" {
		t.Fatalf("apiKey = %q", cred.APIKey)
	}

	if err := os.WriteFile(path, []byte(`{"version": 1, "providers": {"openai": {"apiKey": "second"}}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	// Within the TTL the cached copy is served.
	if cred, _ := r.Resolve("openai"); cred.APIKey != "first" {
		t.Errorf("cache was bypassed: %q", cred.APIKey)
	}

	// After the TTL the file is re-read.
	now = now.Add(cacheTTL + time.Millisecond)
	if cred, _ := r.Resolve("openai"); cred.APIKey != "second" {
		t.Errorf("cache was not refreshed")
	}
}

func TestClearCache(t *testing.T) {
	path := writeAuthFile(t, `{"version": 1, "providers": {"openai": {"apiKey": "first"}}}`)
	r := NewResolver(path)

	if cred, _ := r.Resolve("openai"); cred.APIKey != "first" {
		t.Fatal("setup failed")
	}
	if err := os.WriteFile(path, []byte(`{"version": 1, "providers": {"openai": {"apiKey": "second"}}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	r.ClearCache()
	if cred, _ := r.Resolve("openai"); cred.APIKey != "second" {
		t.Error("ClearCache did not force a re-read")
	}
}

func TestOllamaDefaults(t *testing.T) {
	r := NewResolver(filepath.Join(t.TempDir(), "missing.json"))

	cred, err := r.Resolve("ollama")
	if err != nil {
		t.Fatal(err)
	}
	if cred.BaseURL != "http://localhost:11434" {
		t.Errorf("baseURL = %q", cred.BaseURL)
	}

	t.Setenv("OLLAMA_BASE_URL", "http://gpu-box:11434")
	cred, _ = r.Resolve("ollama")
	if cred.BaseURL != "http://gpu-box:11434" {
		t.Errorf("baseURL = %q, env override ignored", cred.BaseURL)
	}

	if !r.IsConfigured("ollama") {
		t.Error("ollama should always be configured")
	}
}

func TestResolveMalformedFileFallsBackToEnv(t *testing.T) {
	path := writeAuthFile(t, `{not json`)
	r := NewResolver(path)

	t.Setenv("OPENAI_API_KEY", "sk-env-test")
	cred, err := r.Resolve("openai")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.APIKey != "sk-env-test" {
		t.Errorf("apiKey = %q, want the environment fallback", cred.APIKey)
	}
	if !r.IsConfigured("openai") {
		t.Error("IsConfigured must see the environment key despite the bad file")
	}
}

func TestBedrockEnabledFlag(t *testing.T) {
	r := NewResolver(filepath.Join(t.TempDir(), "missing.json"))

	if r.IsConfigured("bedrock") {
		t.Skip("ambient AWS credentials present")
	}

	t.Setenv("AWS_BEDROCK_ENABLED", "true")
	if !r.IsConfigured("bedrock") {
		t.Error("AWS_BEDROCK_ENABLED=true must enable bedrock")
	}
}
