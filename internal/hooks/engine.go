package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// defaultBlockMessage is reported when a blocking hook prints nothing.
const defaultBlockMessage = "Blocked by hook"

// HookContext is serialized to JSON and written to the hook's stdin.
type HookContext struct {
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	SessionID string          `json:"session_id"`
	Agent     string          `json:"agent"`
	Timestamp string          `json:"timestamp"`
	Result    *ToolResult     `json:"result,omitempty"`
}

// ToolResult reports a finished tool invocation to PostToolUse hooks.
type ToolResult struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

// Result is the combined outcome of running the hooks for one event.
type Result struct {
	// Allowed is false when any hook exited with status 2.
	Allowed bool

	// Message explains a block, taken from the blocking hook's stderr.
	Message string

	// Warnings collects non-blocking failures (bad exit codes, timeouts).
	Warnings []string
}

type compiledHook struct {
	hook Hook
	re   *regexp.Regexp
}

// Engine matches and executes configured hooks. Safe for concurrent use
// once constructed.
type Engine struct {
	hooks     map[string][]compiledHook
	logger    *slog.Logger
	agentID   string
	sessionID string
}

// NewEngine compiles a validated config into an engine. The agent and
// session IDs are exposed to hook processes via environment variables.
func NewEngine(cfg *Config, logger *slog.Logger, agentID, sessionID string) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	compiled := make(map[string][]compiledHook)
	for event, hookList := range cfg.Hooks {
		for _, h := range hookList {
			ch := compiledHook{hook: h}
			if h.Match != "" {
				// Validated at load time.
				ch.re = regexp.MustCompile(h.Match)
			}
			compiled[event] = append(compiled[event], ch)
		}
	}

	return &Engine{
		hooks:     compiled,
		logger:    logger.With("component", "hooks"),
		agentID:   agentID,
		sessionID: sessionID,
	}
}

// HasHooks reports whether any hook is registered for the event.
func (e *Engine) HasHooks(event string) bool {
	return len(e.hooks[event]) > 0
}

// Match returns the hooks whose pattern matches the tool name. An empty
// pattern matches everything.
func (e *Engine) Match(event, toolName string) []Hook {
	var matched []Hook
	for _, ch := range e.hooks[event] {
		if ch.re == nil || ch.re.MatchString(toolName) {
			matched = append(matched, ch.hook)
		}
	}
	return matched
}

// RunPreToolUse executes the PreToolUse hooks for a tool invocation.
func (e *Engine) RunPreToolUse(ctx context.Context, toolName string, input json.RawMessage) *Result {
	return e.run(ctx, EventPreToolUse, HookContext{
		Tool:  toolName,
		Input: input,
	})
}

// RunPostToolUse executes the PostToolUse hooks after a tool finished.
func (e *Engine) RunPostToolUse(ctx context.Context, toolName string, input json.RawMessage, output string, isError bool) *Result {
	return e.run(ctx, EventPostToolUse, HookContext{
		Tool:   toolName,
		Input:  input,
		Result: &ToolResult{Output: output, IsError: isError},
	})
}

// RunPermission executes the PermissionRequest hooks for a tool.
func (e *Engine) RunPermission(ctx context.Context, toolName string, input json.RawMessage) *Result {
	return e.run(ctx, EventPermission, HookContext{
		Tool:  toolName,
		Input: input,
	})
}

// run executes every matching hook in declaration order. The first blocking
// hook stops the chain.
func (e *Engine) run(ctx context.Context, event string, hctx HookContext) *Result {
	hctx.Agent = e.agentID
	hctx.SessionID = e.sessionID
	hctx.Timestamp = time.Now().UTC().Format(time.RFC3339)

	result := &Result{Allowed: true}

	for _, ch := range e.hooks[event] {
		if ch.re != nil && !ch.re.MatchString(hctx.Tool) {
			continue
		}

		outcome := e.execute(ctx, ch.hook, hctx)
		switch {
		case outcome.timedOut:
			msg := fmt.Sprintf("hook %q timed out after %dms", ch.hook.Command, effectiveTimeout(ch.hook))
			result.Warnings = append(result.Warnings, msg)
			e.logger.Warn("hook timed out", "event", event, "tool", hctx.Tool, "command", ch.hook.Command)

		case outcome.exitCode == 0:
			// Allowed; keep going.
			if msg := outcome.message(); msg != "" {
				e.logger.Debug("hook output", "event", event, "tool", hctx.Tool, "message", msg)
			}

		case outcome.exitCode == 2:
			result.Allowed = false
			result.Message = outcome.message()
			if result.Message == "" {
				result.Message = defaultBlockMessage
			}
			e.logger.Info("hook blocked tool", "event", event, "tool", hctx.Tool, "message", result.Message)
			return result

		default:
			msg := fmt.Sprintf("hook %q exited with status %d", ch.hook.Command, outcome.exitCode)
			if detail := outcome.message(); detail != "" {
				msg += ": " + detail
			}
			result.Warnings = append(result.Warnings, msg)
			e.logger.Warn("hook failed", "event", event, "tool", hctx.Tool, "exit", outcome.exitCode)
		}
	}

	return result
}

type execOutcome struct {
	exitCode int
	stdout   string
	stderr   string
	timedOut bool
}

// message prefers trimmed stderr, then trimmed stdout.
func (o execOutcome) message() string {
	if msg := strings.TrimSpace(o.stderr); msg != "" {
		return msg
	}
	return strings.TrimSpace(o.stdout)
}

func effectiveTimeout(h Hook) int {
	if h.TimeoutMS > 0 {
		return h.TimeoutMS
	}
	return DefaultTimeoutMS
}

// execute runs one hook under sh -c in its own process group, writing the
// context JSON to stdin. On timeout the whole group is killed so child
// processes of the hook cannot linger.
func (e *Engine) execute(ctx context.Context, h Hook, hctx HookContext) execOutcome {
	payload, err := json.Marshal(hctx)
	if err != nil {
		return execOutcome{exitCode: 1, stderr: err.Error()}
	}

	cmd := exec.Command("sh", "-c", h.Command)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Env = append(os.Environ(),
		"NIMBUS_HOOK_EVENT="+hctx.Tool,
		"NIMBUS_HOOK_AGENT="+e.agentID,
		"NIMBUS_HOOK_SESSION="+e.sessionID,
	)

	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return execOutcome{exitCode: 1, stderr: err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := time.Duration(effectiveTimeout(h)) * time.Millisecond

	select {
	case err := <-done:
		if err == nil {
			return execOutcome{exitCode: 0, stdout: stdout.String(), stderr: stderr.String()}
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return execOutcome{exitCode: exitErr.ExitCode(), stdout: stdout.String(), stderr: stderr.String()}
		}
		return execOutcome{exitCode: 1, stderr: err.Error()}

	case <-time.After(timeout):
		killProcessGroup(cmd)
		<-done
		return execOutcome{timedOut: true, stdout: stdout.String(), stderr: stderr.String()}

	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return execOutcome{exitCode: 1, stderr: ctx.Err().Error()}
	}
}
