package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"
)

func newTestEngine(cfg *Config) *Engine {
	return NewEngine(cfg, slog.New(slog.DiscardHandler), "agent-1", "session-1")
}

func TestEngineBlockUsesHookStderr(t *testing.T) {
	cfg := &Config{Hooks: map[string][]Hook{
		EventPreToolUse: {
			{Match: "run_shell", Command: `echo "Blocked by policy" >&2; exit 2`},
		},
	}}
	engine := newTestEngine(cfg)

	result := engine.RunPreToolUse(context.Background(), "run_shell", json.RawMessage(`{"command":"rm -rf /"}`))
	if result.Allowed {
		t.Fatal("expected block")
	}
	if result.Message != "Blocked by policy" {
		t.Errorf("message = %q", result.Message)
	}
}

func TestEngineBlockDefaultMessage(t *testing.T) {
	cfg := &Config{Hooks: map[string][]Hook{
		EventPreToolUse: {{Command: "exit 2"}},
	}}
	engine := newTestEngine(cfg)

	result := engine.RunPreToolUse(context.Background(), "anything", nil)
	if result.Allowed {
		t.Fatal("expected block")
	}
	if result.Message != "Blocked by hook" {
		t.Errorf("message = %q", result.Message)
	}
}

func TestEngineAllowOnExitZero(t *testing.T) {
	cfg := &Config{Hooks: map[string][]Hook{
		EventPreToolUse: {{Command: "exit 0"}},
	}}
	engine := newTestEngine(cfg)

	result := engine.RunPreToolUse(context.Background(), "run_shell", nil)
	if !result.Allowed || len(result.Warnings) != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestEngineOtherExitCodeWarns(t *testing.T) {
	cfg := &Config{Hooks: map[string][]Hook{
		EventPreToolUse: {{Command: `echo "lint failed" >&2; exit 1`}},
	}}
	engine := newTestEngine(cfg)

	result := engine.RunPreToolUse(context.Background(), "run_shell", nil)
	if !result.Allowed {
		t.Fatal("non-2 exits must not block")
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v", result.Warnings)
	}
}

func TestEngineTimeoutKillsHook(t *testing.T) {
	cfg := &Config{Hooks: map[string][]Hook{
		EventPreToolUse: {{Command: "sleep 5", TimeoutMS: 500}},
	}}
	engine := newTestEngine(cfg)

	start := time.Now()
	result := engine.RunPreToolUse(context.Background(), "run_shell", nil)
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Errorf("hook ran for %v, timeout did not kill it", elapsed)
	}
	if !result.Allowed {
		t.Error("timeout must not block")
	}
	if len(result.Warnings) != 1 {
		t.Errorf("warnings = %v", result.Warnings)
	}
}

func TestEngineMatchFiltersByToolName(t *testing.T) {
	cfg := &Config{Hooks: map[string][]Hook{
		EventPreToolUse: {
			{Match: "^bash", Command: "exit 2"},
		},
	}}
	engine := newTestEngine(cfg)

	if result := engine.RunPreToolUse(context.Background(), "read_file", nil); !result.Allowed {
		t.Error("non-matching tool was blocked")
	}
	if result := engine.RunPreToolUse(context.Background(), "bash_exec", nil); result.Allowed {
		t.Error("matching tool was not blocked")
	}
}

func TestEngineContextOnStdin(t *testing.T) {
	// The hook blocks only if stdin carries the expected keys, proving the
	// JSON context arrives on stdin in the documented shape.
	cfg := &Config{Hooks: map[string][]Hook{
		EventPreToolUse: {
			{Command: `ctx=$(cat); echo "$ctx" | grep -q '"tool":"run_shell"' && echo "$ctx" | grep -q '"timestamp":' && exit 2 || exit 0`},
		},
	}}
	engine := newTestEngine(cfg)

	result := engine.RunPreToolUse(context.Background(), "run_shell", json.RawMessage(`{"command":"ls"}`))
	if result.Allowed {
		t.Error("hook did not receive the context on stdin")
	}
}

func TestEnginePostToolUseCarriesResult(t *testing.T) {
	cfg := &Config{Hooks: map[string][]Hook{
		EventPostToolUse: {
			{Command: `grep -q '"result":{"output":"done","is_error":false}' && exit 2 || exit 0`},
		},
	}}
	engine := newTestEngine(cfg)

	result := engine.RunPostToolUse(context.Background(), "run_shell", nil, "done", false)
	if result.Allowed {
		t.Error("result object missing from the hook context")
	}
}

func TestEngineBlockFallsBackToStdout(t *testing.T) {
	cfg := &Config{Hooks: map[string][]Hook{
		EventPreToolUse: {
			{Command: `echo "use the sandbox instead"; exit 2`},
		},
	}}
	engine := newTestEngine(cfg)

	result := engine.RunPreToolUse(context.Background(), "run_shell", nil)
	if result.Allowed {
		t.Fatal("expected block")
	}
	if result.Message != "use the sandbox instead" {
		t.Errorf("message = %q, want the hook's stdout", result.Message)
	}
}

func TestEngineEnvironment(t *testing.T) {
	cfg := &Config{Hooks: map[string][]Hook{
		EventPreToolUse: {
			{Command: `[ "$NIMBUS_HOOK_EVENT" = "run_shell" ] && [ "$NIMBUS_HOOK_AGENT" = "agent-1" ] && [ "$NIMBUS_HOOK_SESSION" = "session-1" ] && exit 2; exit 0`},
		},
	}}
	engine := newTestEngine(cfg)

	result := engine.RunPreToolUse(context.Background(), "run_shell", nil)
	if result.Allowed {
		t.Error("hook environment variables not set as expected")
	}
}

func TestEngineFirstBlockStopsChain(t *testing.T) {
	marker := t.TempDir() + "/ran"
	cfg := &Config{Hooks: map[string][]Hook{
		EventPreToolUse: {
			{Command: "exit 2"},
			{Command: "touch " + marker},
		},
	}}
	engine := newTestEngine(cfg)

	result := engine.RunPreToolUse(context.Background(), "run_shell", nil)
	if result.Allowed {
		t.Fatal("expected block")
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("hook after a block still ran")
	}
}
