package router

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimbus-cli/nimbus/internal/llm"
	"github.com/nimbus-cli/nimbus/internal/llm/providers"
	"github.com/nimbus-cli/nimbus/internal/retry"
	"github.com/nimbus-cli/nimbus/internal/usage"
	"github.com/nimbus-cli/nimbus/pkg/models"
)

type fakeProvider struct {
	name         string
	defaultModel string
	calls        atomic.Int64
	completeFn   func(req *llm.CompletionRequest) (*llm.Response, error)
	streamFn     func(req *llm.CompletionRequest) []*llm.StreamChunk
	toolsFn      func(req *llm.ToolCompletionRequest) (*llm.Response, error)
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) DefaultModel() string { return f.defaultModel }

func (f *fakeProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.Response, error) {
	f.calls.Add(1)
	return f.completeFn(req)
}

func (f *fakeProvider) CompleteWithTools(ctx context.Context, req *llm.ToolCompletionRequest) (*llm.Response, error) {
	f.calls.Add(1)
	if f.toolsFn != nil {
		return f.toolsFn(req)
	}
	return f.completeFn(&req.CompletionRequest)
}

func (f *fakeProvider) Stream(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.StreamChunk, error) {
	f.calls.Add(1)
	out := make(chan *llm.StreamChunk)
	go func() {
		defer close(out)
		for _, c := range f.streamFn(req) {
			out <- c
		}
	}()
	return out, nil
}

func (f *fakeProvider) CountTokens(text string) int        { return providers.EstimateTokens(text) }
func (f *fakeProvider) MaxTokensForModel(model string) int { return 4096 }
func (f *fakeProvider) Models() []llm.ModelInfo            { return nil }

// fakeToolStreamer adds StreamWithTools on top of fakeProvider.
type fakeToolStreamer struct {
	fakeProvider
	toolStreamFn func(req *llm.ToolCompletionRequest) []*llm.StreamChunk
}

func (f *fakeToolStreamer) StreamWithTools(ctx context.Context, req *llm.ToolCompletionRequest) (<-chan *llm.StreamChunk, error) {
	f.calls.Add(1)
	out := make(chan *llm.StreamChunk)
	go func() {
		defer close(out)
		for _, c := range f.toolStreamFn(req) {
			out <- c
		}
	}()
	return out, nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Factor: 2}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FallbackProviders = []string{"anthropic", "openai"}
	cfg.Retry = fastRetry()
	return cfg
}

func newTestRouter(t *testing.T, registry map[string]llm.Provider, cfg Config) *Router {
	t.Helper()
	r := New(registry, cfg, slog.New(slog.DiscardHandler), nil)
	r.warnFn = func(string, ...any) {}
	return r
}

func userRequest(model string) *llm.CompletionRequest {
	return &llm.CompletionRequest{
		Model:    model,
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	}
}

func okResponse(model string) *llm.Response {
	return &llm.Response{
		Content:      "hi",
		Model:        model,
		FinishReason: llm.FinishStop,
		Usage:        models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func serverError(provider string) error {
	return (&providers.ProviderError{Provider: provider, Reason: providers.FailoverServerError, Message: "upstream broke"})
}

func authError(provider string) error {
	return (&providers.ProviderError{Provider: provider, Reason: providers.FailoverAuth, Message: "bad key"})
}

func TestCompleteFailover(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", completeFn: func(*llm.CompletionRequest) (*llm.Response, error) {
		return nil, authError("anthropic")
	}}
	secondary := &fakeProvider{name: "openai", completeFn: func(req *llm.CompletionRequest) (*llm.Response, error) {
		if req.Model != "" {
			t.Errorf("fallback should use provider default model, got %q", req.Model)
		}
		return okResponse("gpt-4o"), nil
	}}

	r := newTestRouter(t, map[string]llm.Provider{"anthropic": primary, "openai": secondary}, testConfig())

	resp, err := r.Complete(context.Background(), userRequest("sonnet"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Cost == nil {
		t.Fatal("expected cost attached")
	}
	// Auth errors are not retryable, so the primary is tried exactly once.
	if got := primary.calls.Load(); got != 1 {
		t.Errorf("primary calls = %d, want 1", got)
	}
	if m := r.Metrics(); m.Failovers != 1 || m.Failures != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestCompleteRetriesThenSucceeds(t *testing.T) {
	var n atomic.Int64
	primary := &fakeProvider{name: "anthropic", completeFn: func(*llm.CompletionRequest) (*llm.Response, error) {
		if n.Add(1) < 3 {
			return nil, serverError("anthropic")
		}
		return okResponse("claude-sonnet-4-20250514"), nil
	}}

	cfg := testConfig()
	cfg.FallbackProviders = nil
	r := newTestRouter(t, map[string]llm.Provider{"anthropic": primary}, cfg)

	resp, err := r.Complete(context.Background(), userRequest("sonnet"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q", resp.Content)
	}
	if got := primary.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if m := r.Metrics(); m.Retries != 2 {
		t.Errorf("retries = %d, want 2", m.Retries)
	}
}

func TestCompleteNoFailoverOnInvalidRequest(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", completeFn: func(*llm.CompletionRequest) (*llm.Response, error) {
		return nil, &providers.ProviderError{Provider: "anthropic", Reason: providers.FailoverInvalidRequest, Message: "bad request"}
	}}
	secondary := &fakeProvider{name: "openai", completeFn: func(*llm.CompletionRequest) (*llm.Response, error) {
		return okResponse("gpt-4o"), nil
	}}

	r := newTestRouter(t, map[string]llm.Provider{"anthropic": primary, "openai": secondary}, testConfig())

	if _, err := r.Complete(context.Background(), userRequest("sonnet")); err == nil {
		t.Fatal("expected error")
	}
	if got := secondary.calls.Load(); got != 0 {
		t.Errorf("fallback was called %d times for a client error", got)
	}
}

func TestCompleteDisableFallback(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", completeFn: func(*llm.CompletionRequest) (*llm.Response, error) {
		return nil, authError("anthropic")
	}}
	secondary := &fakeProvider{name: "openai", completeFn: func(*llm.CompletionRequest) (*llm.Response, error) {
		return okResponse("gpt-4o"), nil
	}}

	cfg := testConfig()
	cfg.DisableFallback = true
	r := newTestRouter(t, map[string]llm.Provider{"anthropic": primary, "openai": secondary}, cfg)

	if _, err := r.Complete(context.Background(), userRequest("sonnet")); err == nil {
		t.Fatal("expected error with fallback disabled")
	}
	if secondary.calls.Load() != 0 {
		t.Error("fallback ran despite DisableFallback")
	}
}

func TestCompleteAppliesBudget(t *testing.T) {
	var seen int
	primary := &fakeProvider{name: "anthropic", completeFn: func(req *llm.CompletionRequest) (*llm.Response, error) {
		seen = req.MaxTokens
		return okResponse("claude-sonnet-4-20250514"), nil
	}}

	cfg := testConfig()
	cfg.MaxTokens = 8192
	r := newTestRouter(t, map[string]llm.Provider{"anthropic": primary}, cfg)

	req := userRequest("sonnet")
	req.MaxTokens = 50000
	if _, err := r.Complete(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if seen != 8192 {
		t.Errorf("budget = %d, want 8192", seen)
	}

	req.MaxTokens = 0
	if _, err := r.Complete(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if seen != 4096 {
		t.Errorf("default budget = %d, want 4096", seen)
	}
}

func TestStreamFailoverHidesFailedAttempt(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", streamFn: func(*llm.CompletionRequest) []*llm.StreamChunk {
		return []*llm.StreamChunk{
			{Content: "partial "},
			{Content: "output"},
			{Err: authError("anthropic"), Done: true},
		}
	}}
	secondary := &fakeProvider{name: "openai", streamFn: func(*llm.CompletionRequest) []*llm.StreamChunk {
		return []*llm.StreamChunk{
			{Content: "hello"},
			{Done: true, Usage: &models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
		}
	}}

	r := newTestRouter(t, map[string]llm.Provider{"anthropic": primary, "openai": secondary}, testConfig())

	chunks, err := r.Stream(context.Background(), userRequest("sonnet"))
	if err != nil {
		t.Fatal(err)
	}

	var content strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		content.WriteString(chunk.Content)
	}
	if content.String() != "hello" {
		t.Errorf("caller saw %q, failed attempt leaked", content.String())
	}

	fb := r.LastStreamFallback()
	if !fb.IsFallback || fb.Active != "openai" || len(fb.Failed) != 1 || fb.Failed[0] != "anthropic" {
		t.Errorf("fallback info = %+v", fb)
	}
}

func TestStreamEstimatesMissingUsage(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", streamFn: func(*llm.CompletionRequest) []*llm.StreamChunk {
		return []*llm.StreamChunk{
			{Content: "abcdefgh"},
			{Done: true},
		}
	}}

	cfg := testConfig()
	cfg.FallbackProviders = nil
	r := newTestRouter(t, map[string]llm.Provider{"anthropic": primary}, cfg)

	chunks, err := r.Stream(context.Background(), userRequest("sonnet"))
	if err != nil {
		t.Fatal(err)
	}

	var final *llm.StreamChunk
	for chunk := range chunks {
		if chunk.Done {
			final = chunk
		}
	}
	if final == nil || final.Usage == nil {
		t.Fatal("expected estimated usage on final chunk")
	}
	if final.Usage.CompletionTokens != 2 {
		t.Errorf("completion tokens = %d, want 2 (8 chars / 4)", final.Usage.CompletionTokens)
	}
	// "hello" is 5 chars, ceil(5/4) = 2.
	if final.Usage.PromptTokens != 2 {
		t.Errorf("prompt tokens = %d, want 2", final.Usage.PromptTokens)
	}
}

func TestStreamWithToolsSkipsNonStreamers(t *testing.T) {
	toolCall := models.NewToolCall("call_1", "run_shell", `{"command":"ls -la"}`)

	primary := &fakeProvider{name: "anthropic", toolsFn: func(*llm.ToolCompletionRequest) (*llm.Response, error) {
		return &llm.Response{
			Content:      "running",
			ToolCalls:    []models.ToolCall{toolCall},
			FinishReason: llm.FinishToolCalls,
			Usage:        models.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14},
			Model:        "claude-sonnet-4-20250514",
		}, nil
	}}

	cfg := testConfig()
	cfg.FallbackProviders = nil
	r := newTestRouter(t, map[string]llm.Provider{"anthropic": primary}, cfg)

	req := &llm.ToolCompletionRequest{
		CompletionRequest: *userRequest("sonnet"),
		Tools:             []models.ToolDefinition{{Name: "run_shell"}},
	}
	chunks, err := r.StreamWithTools(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	var got []*llm.StreamChunk
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		got = append(got, chunk)
	}

	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2 (content then done)", len(got))
	}
	if got[0].Content != "running" {
		t.Errorf("content chunk = %q", got[0].Content)
	}
	if !got[1].Done || len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].Function.Arguments != `{"command":"ls -la"}` {
		t.Errorf("done chunk = %+v", got[1])
	}
	if got[1].Usage == nil || got[1].Usage.TotalTokens != 14 {
		t.Errorf("usage not carried through degrade: %+v", got[1].Usage)
	}
}

func TestStreamWithToolsUsesToolStreamer(t *testing.T) {
	streamer := &fakeToolStreamer{
		fakeProvider: fakeProvider{name: "anthropic"},
		toolStreamFn: func(*llm.ToolCompletionRequest) []*llm.StreamChunk {
			return []*llm.StreamChunk{
				{ToolCallStart: &llm.ToolCallStart{ID: "call_1", Name: "run_shell"}},
				{Done: true, ToolCalls: []models.ToolCall{models.NewToolCall("call_1", "run_shell", `{}`)},
					Usage: &models.Usage{TotalTokens: 7, PromptTokens: 5, CompletionTokens: 2}},
			}
		},
	}

	cfg := testConfig()
	cfg.FallbackProviders = nil
	r := newTestRouter(t, map[string]llm.Provider{"anthropic": streamer}, cfg)

	req := &llm.ToolCompletionRequest{
		CompletionRequest: *userRequest("sonnet"),
		Tools:             []models.ToolDefinition{{Name: "run_shell"}},
	}
	chunks, err := r.StreamWithTools(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	sawStart := false
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		if chunk.ToolCallStart != nil {
			sawStart = true
		}
	}
	if !sawStart {
		t.Error("tool call start was not forwarded")
	}
}

func TestCompleteTaskClassRouting(t *testing.T) {
	var seen []string
	primary := &fakeProvider{name: "anthropic", completeFn: func(req *llm.CompletionRequest) (*llm.Response, error) {
		seen = append(seen, req.Model)
		return okResponse(req.Model), nil
	}}

	cfg := testConfig()
	cfg.EnableCostOptimization = true
	cfg.FallbackProviders = nil
	r := newTestRouter(t, map[string]llm.Provider{"anthropic": primary}, cfg)

	req := func() *llm.CompletionRequest { return userRequest("") }

	if _, err := r.Complete(context.Background(), req(), "summarization"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Complete(context.Background(), req(), "code_generation"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Complete(context.Background(), req()); err != nil {
		t.Fatal(err)
	}

	want := []string{cfg.CheapModel, cfg.ExpensiveModel, cfg.DefaultModel}
	for i, model := range want {
		if seen[i] != model {
			t.Errorf("request %d routed to %q, want %q", i, seen[i], model)
		}
	}
}

func TestCompleteTaskClassIgnoredWhenOptimizationOff(t *testing.T) {
	var seen string
	primary := &fakeProvider{name: "anthropic", completeFn: func(req *llm.CompletionRequest) (*llm.Response, error) {
		seen = req.Model
		return okResponse(req.Model), nil
	}}

	cfg := testConfig()
	cfg.FallbackProviders = nil
	r := newTestRouter(t, map[string]llm.Provider{"anthropic": primary}, cfg)

	if _, err := r.Complete(context.Background(), userRequest(""), "summarization"); err != nil {
		t.Fatal(err)
	}
	if seen != cfg.DefaultModel {
		t.Errorf("routed to %q, want the default model", seen)
	}
}

// captureSink hands recorded usage to the test over a channel.
type captureSink struct {
	recs chan usage.Record
}

func (s *captureSink) Record(ctx context.Context, rec usage.Record) error {
	s.recs <- rec
	return nil
}

func (s *captureSink) Close() error { return nil }

func TestStreamFallbackRecordsServedModel(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", streamFn: func(*llm.CompletionRequest) []*llm.StreamChunk {
		return []*llm.StreamChunk{{Err: authError("anthropic"), Done: true}}
	}}
	secondary := &fakeProvider{name: "openai", defaultModel: "gpt-4o", streamFn: func(*llm.CompletionRequest) []*llm.StreamChunk {
		return []*llm.StreamChunk{
			{Content: "hello"},
			{Done: true, Usage: &models.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000}},
		}
	}}

	sink := &captureSink{recs: make(chan usage.Record, 1)}
	r := New(map[string]llm.Provider{"anthropic": primary, "openai": secondary}, testConfig(), slog.New(slog.DiscardHandler), sink)
	r.warnFn = func(string, ...any) {}

	chunks, err := r.Stream(context.Background(), userRequest("sonnet"))
	if err != nil {
		t.Fatal(err)
	}
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
	}

	select {
	case rec := <-sink.recs:
		if rec.Model != "gpt-4o" {
			t.Errorf("recorded model = %q, want the serving provider's default", rec.Model)
		}
		if rec.CostUSD == 0 {
			t.Error("fallback stream recorded zero cost for a priced model")
		}
		if !rec.Fallback {
			t.Error("record not marked as fallback")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("usage record never arrived")
	}
}

func TestCircuitOpenSkipsProvider(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", completeFn: func(*llm.CompletionRequest) (*llm.Response, error) {
		return okResponse("claude-sonnet-4-20250514"), nil
	}}
	secondary := &fakeProvider{name: "openai", completeFn: func(*llm.CompletionRequest) (*llm.Response, error) {
		return okResponse("gpt-4o"), nil
	}}

	r := newTestRouter(t, map[string]llm.Provider{"anthropic": primary, "openai": secondary}, testConfig())
	for i := 0; i < 5; i++ {
		r.breaker.RecordFailure("anthropic")
	}

	resp, err := r.Complete(context.Background(), userRequest("sonnet"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("served by %q, want the fallback", resp.Model)
	}
	if primary.calls.Load() != 0 {
		t.Error("open circuit provider was still called")
	}

	disabled := r.DisabledProviders()
	if len(disabled) != 1 || disabled[0] != "anthropic" {
		t.Errorf("disabled = %v", disabled)
	}
}
