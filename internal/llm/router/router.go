package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/nimbus-cli/nimbus/internal/circuit"
	"github.com/nimbus-cli/nimbus/internal/llm"
	"github.com/nimbus-cli/nimbus/internal/llm/providers"
	"github.com/nimbus-cli/nimbus/internal/retry"
	"github.com/nimbus-cli/nimbus/internal/usage"
	"github.com/nimbus-cli/nimbus/pkg/models"
)

// usageRecordTimeout bounds the background usage write.
const usageRecordTimeout = 5 * time.Second

// StreamFallback describes where the most recent stream was actually
// served.
type StreamFallback struct {
	Active     string   `json:"active"`
	Failed     []string `json:"failed,omitempty"`
	IsFallback bool     `json:"is_fallback"`
}

// Metrics is a point-in-time snapshot of router counters.
type Metrics struct {
	Requests     int64
	Failures     int64
	Failovers    int64
	Retries      int64
	CostUSD      float64
	OpenCircuits []string
}

// Router dispatches completion requests to providers, resolving model
// aliases, enforcing token budgets, retrying with backoff, and failing
// over across providers behind per-provider circuit breakers.
type Router struct {
	providers map[string]llm.Provider
	config    Config
	breaker   *circuit.Breaker
	logger    *slog.Logger
	sink      usage.Sink

	// warnFn prints circuit warnings; replaced in tests.
	warnFn func(format string, args ...any)

	mu           sync.Mutex
	lastFallback StreamFallback
	requests     int64
	failures     int64
	failovers    int64
	retries      int64
	costUSD      float64
}

// New creates a router over the given provider registry. A nil sink
// disables usage recording.
func New(registry map[string]llm.Provider, cfg Config, logger *slog.Logger, sink usage.Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = usage.NopSink{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	return &Router{
		providers: registry,
		config:    cfg,
		breaker:   circuit.New(circuit.DefaultFailureThreshold, circuit.DefaultCooldown),
		logger:    logger.With("component", "router"),
		sink:      sink,
		warnFn:    warnStderr,
	}
}

// warnStderr prints a yellow warning when stderr is a terminal, plain text
// otherwise.
func warnStderr(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintf(os.Stderr, "\x1b[33m%s\x1b[0m\n", msg)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
}

// Complete performs a unary completion with routing, retry, and failover.
// An optional task class steers cost optimization when the request names
// no model.
func (r *Router) Complete(ctx context.Context, req *llm.CompletionRequest, taskClass ...string) (*llm.Response, error) {
	return r.complete(ctx, req, nil, llm.ToolChoice{}, firstClass(taskClass))
}

// CompleteWithTools performs a unary tool completion with routing, retry,
// and failover.
func (r *Router) CompleteWithTools(ctx context.Context, req *llm.ToolCompletionRequest, taskClass ...string) (*llm.Response, error) {
	return r.complete(ctx, &req.CompletionRequest, req.Tools, req.ToolChoice, firstClass(taskClass))
}

func (r *Router) complete(ctx context.Context, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice, taskClass string) (*llm.Response, error) {
	primary, resolved := r.resolve(req, taskClass)
	candidates := r.candidates(primary)

	r.bump(func() { r.requests++ })

	var errs []error
	for i, name := range candidates {
		provider, ok := r.providers[name]
		if !ok {
			continue
		}
		if !r.breaker.IsAvailable(name) {
			r.warnFn("warning: provider %s circuit is open, skipping", name)
			continue
		}

		attemptReq := resolved
		if i > 0 {
			// Fallback providers serve their own default model.
			attemptReq.Model = ""
		}

		resp, err := r.tryComplete(ctx, provider, &attemptReq, tools, choice)
		if err == nil {
			r.breaker.RecordSuccess(name)
			if i > 0 {
				r.bump(func() { r.failovers++ })
			}
			r.finishResponse(name, resp, false, i > 0)
			return resp, nil
		}

		r.breaker.RecordFailure(name)
		r.bump(func() { r.failures++ })
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		r.logger.Warn("provider failed", "provider", name, "model", attemptReq.Model, "error", err)

		if r.config.DisableFallback || !failoverEligible(err) {
			break
		}
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("no provider available for %q", resolved.Model)
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

func (r *Router) tryComplete(ctx context.Context, provider llm.Provider, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) (*llm.Response, error) {
	resp, result := retry.DoWithValue(ctx, r.config.Retry, func() (*llm.Response, error) {
		var (
			resp *llm.Response
			err  error
		)
		if len(tools) > 0 {
			resp, err = provider.CompleteWithTools(ctx, &llm.ToolCompletionRequest{
				CompletionRequest: *req,
				Tools:             tools,
				ToolChoice:        choice,
			})
		} else {
			resp, err = provider.Complete(ctx, req)
		}
		if err != nil && !providers.IsRetryable(err) {
			return nil, retry.Permanent(err)
		}
		return resp, err
	})

	if result.Attempts > 1 {
		r.bump(func() { r.retries += int64(result.Attempts - 1) })
	}
	if result.Err != nil {
		return nil, result.Err
	}
	return resp, nil
}

// Stream performs a streaming completion with transparent failover. Each
// attempt is buffered in full; chunks reach the caller only after the
// serving attempt completes cleanly, so a mid-stream failure never leaks
// partial output from a failed provider.
func (r *Router) Stream(ctx context.Context, req *llm.CompletionRequest, taskClass ...string) (<-chan *llm.StreamChunk, error) {
	return r.streamCommon(ctx, req, nil, llm.ToolChoice{}, firstClass(taskClass))
}

// StreamWithTools performs a streaming tool completion. Fallback providers
// that cannot stream tool calls are skipped; when no candidate can, the
// request degrades to a unary tool completion repackaged as a short
// stream.
func (r *Router) StreamWithTools(ctx context.Context, req *llm.ToolCompletionRequest, taskClass ...string) (<-chan *llm.StreamChunk, error) {
	return r.streamCommon(ctx, &req.CompletionRequest, req.Tools, req.ToolChoice, firstClass(taskClass))
}

func (r *Router) streamCommon(ctx context.Context, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice, taskClass string) (<-chan *llm.StreamChunk, error) {
	primary, resolved := r.resolve(req, taskClass)
	candidates := r.candidates(primary)

	r.bump(func() { r.requests++ })

	out := make(chan *llm.StreamChunk)
	go func() {
		defer close(out)

		var (
			errs    []error
			failed  []string
			skipped int
		)

		for i, name := range candidates {
			provider, ok := r.providers[name]
			if !ok {
				continue
			}
			if len(tools) > 0 {
				if _, ok := provider.(llm.ToolStreamer); !ok {
					skipped++
					continue
				}
			}
			if !r.breaker.IsAvailable(name) {
				r.warnFn("warning: provider %s circuit is open, skipping", name)
				continue
			}

			attemptReq := resolved
			if i > 0 {
				attemptReq.Model = ""
			}

			buffer, err := r.tryStream(ctx, provider, &attemptReq, tools, choice)
			if err == nil {
				r.breaker.RecordSuccess(name)
				if i > 0 {
					r.bump(func() { r.failovers++ })
				}
				r.setFallback(StreamFallback{Active: name, Failed: failed, IsFallback: i > 0})
				servedModel := attemptReq.Model
				if servedModel == "" {
					servedModel = provider.DefaultModel()
				}
				r.replay(ctx, name, servedModel, &attemptReq, buffer, out, i > 0)
				return
			}

			r.breaker.RecordFailure(name)
			r.bump(func() { r.failures++ })
			failed = append(failed, name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			r.logger.Warn("stream failed", "provider", name, "model", attemptReq.Model, "error", err)

			if r.config.DisableFallback || !failoverEligible(err) {
				break
			}
		}

		// Some candidates could not stream tool calls: degrade to a unary
		// tool completion and repackage it.
		if len(tools) > 0 && skipped > 0 {
			r.degradeToUnary(ctx, req, tools, choice, taskClass, out)
			return
		}

		err := fmt.Errorf("no provider available for %q", resolved.Model)
		if len(errs) > 0 {
			err = fmt.Errorf("all providers failed: %w", errors.Join(errs...))
		}
		out <- &llm.StreamChunk{Err: err, Done: true}
	}()

	return out, nil
}

// tryStream runs one provider's stream to completion, buffering every
// chunk. Any mid-stream error discards the buffer and fails the attempt.
func (r *Router) tryStream(ctx context.Context, provider llm.Provider, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice) ([]*llm.StreamChunk, error) {
	buffer, result := retry.DoWithValue(ctx, r.config.Retry, func() ([]*llm.StreamChunk, error) {
		var (
			chunks <-chan *llm.StreamChunk
			err    error
		)
		if len(tools) > 0 {
			streamer := provider.(llm.ToolStreamer)
			chunks, err = streamer.StreamWithTools(ctx, &llm.ToolCompletionRequest{
				CompletionRequest: *req,
				Tools:             tools,
				ToolChoice:        choice,
			})
		} else {
			chunks, err = provider.Stream(ctx, req)
		}
		if err != nil {
			if !providers.IsRetryable(err) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}

		var buffer []*llm.StreamChunk
		for chunk := range chunks {
			if chunk.Err != nil {
				if !providers.IsRetryable(chunk.Err) {
					return nil, retry.Permanent(chunk.Err)
				}
				return nil, chunk.Err
			}
			buffer = append(buffer, chunk)
		}
		return buffer, nil
	})

	if result.Attempts > 1 {
		r.bump(func() { r.retries += int64(result.Attempts - 1) })
	}
	if result.Err != nil {
		return nil, result.Err
	}
	return buffer, nil
}

// replay flushes a buffered attempt to the caller, filling in estimated
// usage when the provider reported none, and records usage under the model
// that actually served the stream.
func (r *Router) replay(ctx context.Context, providerName, model string, req *llm.CompletionRequest, buffer []*llm.StreamChunk, out chan<- *llm.StreamChunk, fallback bool) {
	var contentLen int
	estimated := false

	for _, chunk := range buffer {
		if chunk.Content != "" {
			contentLen += len(chunk.Content)
		}
		if chunk.Done && (chunk.Usage == nil || chunk.Usage.TotalTokens == 0) {
			prompt := estimateRequestTokens(req.Messages)
			completion := (contentLen + 3) / 4
			chunk.Usage = &models.Usage{
				PromptTokens:     prompt,
				CompletionTokens: completion,
				TotalTokens:      prompt + completion,
			}
			estimated = true
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}

		if chunk.Done && chunk.Usage != nil {
			cost, known := CalculateCost(providerName, model, *chunk.Usage)
			if !known {
				r.logger.Warn("no pricing for model, recording zero cost", "provider", providerName, "model", model)
			}
			r.bump(func() { r.costUSD += cost.CostUSD })
			r.recordUsage(providerName, model, *chunk.Usage, cost.CostUSD, true, fallback, estimated)
		}
	}
}

// degradeToUnary serves a tool streaming request through the unary path and
// emits the result as at most two chunks.
func (r *Router) degradeToUnary(ctx context.Context, req *llm.CompletionRequest, tools []models.ToolDefinition, choice llm.ToolChoice, taskClass string, out chan<- *llm.StreamChunk) {
	resp, err := r.complete(ctx, req, tools, choice, taskClass)
	if err != nil {
		out <- &llm.StreamChunk{Err: err, Done: true}
		return
	}

	if resp.Content != "" {
		select {
		case out <- &llm.StreamChunk{Content: resp.Content}:
		case <-ctx.Done():
			return
		}
	}
	usageCopy := resp.Usage
	select {
	case out <- &llm.StreamChunk{Done: true, ToolCalls: resp.ToolCalls, Usage: &usageCopy}:
	case <-ctx.Done():
	}
}

// LastStreamFallback reports where the most recent stream was served.
func (r *Router) LastStreamFallback() StreamFallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFallback
}

// AvailableProviders lists registered providers whose circuits are not
// open, sorted by name.
func (r *Router) AvailableProviders() []string {
	var names []string
	for name := range r.providers {
		if r.breaker.IsAvailable(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DisabledProviders lists providers currently skipped due to open
// circuits.
func (r *Router) DisabledProviders() []string {
	open := r.breaker.OpenCircuits()
	sort.Strings(open)
	return open
}

// AvailableModels returns each registered provider's model catalog.
func (r *Router) AvailableModels() map[string][]llm.ModelInfo {
	result := make(map[string][]llm.ModelInfo, len(r.providers))
	for name, provider := range r.providers {
		result[name] = provider.Models()
	}
	return result
}

// Provider returns a registered provider by name.
func (r *Router) Provider(name string) (llm.Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Metrics returns a snapshot of router counters.
func (r *Router) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metrics{
		Requests:     r.requests,
		Failures:     r.failures,
		Failovers:    r.failovers,
		Retries:      r.retries,
		CostUSD:      r.costUSD,
		OpenCircuits: r.breaker.OpenCircuits(),
	}
}

// resolve expands aliases, detects the serving provider, and applies the
// token budget. The returned request carries the provider-local model name.
func (r *Router) resolve(req *llm.CompletionRequest, taskClass string) (string, llm.CompletionRequest) {
	resolved := *req

	model := req.Model
	if model == "" {
		model = r.pickDefaultModel(taskClass)
	}

	provider, model := DetectProvider(model, r.config.DefaultProvider)
	resolved.Model = model
	resolved.MaxTokens = effectiveMaxTokens(req.MaxTokens, r.config.MaxTokens)

	return provider, resolved
}

// pickDefaultModel applies cost optimization when enabled: a task class in
// the cheap set selects the cheap model, one in the expensive set the
// expensive model. Unclassified requests get the default.
func (r *Router) pickDefaultModel(taskClass string) string {
	if !r.config.EnableCostOptimization || taskClass == "" {
		return r.config.DefaultModel
	}
	if r.config.CheapModel != "" && containsClass(r.config.CheapFor, taskClass) {
		return r.config.CheapModel
	}
	if r.config.ExpensiveModel != "" && containsClass(r.config.ExpensiveFor, taskClass) {
		return r.config.ExpensiveModel
	}
	return r.config.DefaultModel
}

func containsClass(set []string, class string) bool {
	for _, c := range set {
		if strings.EqualFold(c, class) {
			return true
		}
	}
	return false
}

// firstClass unwraps the optional trailing task class argument.
func firstClass(classes []string) string {
	if len(classes) > 0 {
		return classes[0]
	}
	return ""
}

// effectiveMaxTokens clamps the requested budget to the configured ceiling.
func effectiveMaxTokens(requested, configured int) int {
	if requested <= 0 {
		requested = 4096
	}
	if configured <= 0 {
		configured = defaultMaxTokens
	}
	if requested > configured {
		return configured
	}
	return requested
}

// candidates returns the failover chain starting with the primary
// provider.
func (r *Router) candidates(primary string) []string {
	result := []string{primary}
	if r.config.DisableFallback {
		return result
	}
	for _, name := range r.config.FallbackProviders {
		if name == primary {
			continue
		}
		if _, ok := r.providers[name]; ok {
			result = append(result, name)
		}
	}
	return result
}

// failoverEligible reports whether an error justifies trying another
// provider. Client-side mistakes and safety blocks would fail identically
// everywhere.
func failoverEligible(err error) bool {
	if providerErr, ok := providers.GetProviderError(err); ok {
		switch providerErr.Reason {
		case providers.FailoverInvalidRequest, providers.FailoverContentFilter:
			return false
		}
	}
	return true
}

// finishResponse attaches cost to a unary response and records usage.
func (r *Router) finishResponse(providerName string, resp *llm.Response, streamed, fallback bool) {
	cost, known := CalculateCost(providerName, resp.Model, resp.Usage)
	if !known {
		r.logger.Warn("no pricing for model, recording zero cost", "provider", providerName, "model", resp.Model)
	}
	resp.Cost = &cost
	r.bump(func() { r.costUSD += cost.CostUSD })
	r.recordUsage(providerName, resp.Model, resp.Usage, cost.CostUSD, streamed, fallback, false)
}

// recordUsage writes one accounting record in the background. Failures are
// logged at debug level and never surface to the caller.
func (r *Router) recordUsage(provider, model string, u models.Usage, costUSD float64, streamed, fallback, estimated bool) {
	rec := usage.Record{
		Timestamp:        time.Now(),
		Provider:         provider,
		Model:            model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CostUSD:          costUSD,
		Streamed:         streamed,
		Fallback:         fallback,
		Estimated:        estimated,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), usageRecordTimeout)
		defer cancel()
		if err := r.sink.Record(ctx, rec); err != nil {
			r.logger.Debug("usage record failed", "error", err)
		}
	}()
}

func (r *Router) setFallback(fb StreamFallback) {
	r.mu.Lock()
	r.lastFallback = fb
	r.mu.Unlock()
}

func (r *Router) bump(fn func()) {
	r.mu.Lock()
	fn()
	r.mu.Unlock()
}

// estimateRequestTokens estimates prompt tokens from message text lengths.
func estimateRequestTokens(msgs []models.Message) int {
	total := 0
	for _, msg := range msgs {
		total += providers.EstimateTokens(msg.Text())
	}
	return total
}
