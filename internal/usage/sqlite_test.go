package usage

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func newTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink
}

func TestSQLiteSinkRecordAndTotals(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	records := []Record{
		{Provider: "anthropic", Model: "claude-sonnet-4-20250514", PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000, CostUSD: 0.018},
		{Provider: "openai", Model: "gpt-4o", PromptTokens: 500, CompletionTokens: 100, TotalTokens: 600, CostUSD: 0.00225, Streamed: true},
		{Provider: "ollama", Model: "llama3.3", PromptTokens: 50, CompletionTokens: 50, TotalTokens: 100, Estimated: true},
	}
	for _, rec := range records {
		if err := sink.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	totals, err := sink.TotalsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if totals.Requests != 3 {
		t.Errorf("requests = %d", totals.Requests)
	}
	if totals.TotalTokens != 2700 {
		t.Errorf("tokens = %d", totals.TotalTokens)
	}
	if math.Abs(totals.CostUSD-0.02025) > 1e-9 {
		t.Errorf("cost = %v", totals.CostUSD)
	}
}

func TestRecordRowShape(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	rec := Record{Provider: "anthropic", Model: "claude-sonnet-4-20250514", PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000, CostUSD: 0.018}
	if err := sink.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}

	var (
		id, typ, unit, metadata string
		quantity                int
	)
	row := sink.db.QueryRowContext(ctx, `SELECT id, type, quantity, unit, metadata FROM usage_records`)
	if err := row.Scan(&id, &typ, &quantity, &unit, &metadata); err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("id must be a generated unique value")
	}
	if typ != "llm_call" || unit != "tokens" || quantity != 2000 {
		t.Errorf("row = type %q, unit %q, quantity %d", typ, unit, quantity)
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
		t.Fatalf("metadata is not JSON: %v", err)
	}
	if meta["provider"] != "anthropic" || meta["model"] != "claude-sonnet-4-20250514" {
		t.Errorf("metadata = %v", meta)
	}
	if meta["prompt_tokens"] != float64(1000) || meta["completion_tokens"] != float64(1000) {
		t.Errorf("token detail = %v", meta)
	}
}

func TestTotalsSinceFiltersByTime(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	old := Record{Timestamp: time.Now().Add(-48 * time.Hour), Provider: "openai", Model: "gpt-4o", TotalTokens: 100}
	recent := Record{Provider: "openai", Model: "gpt-4o", TotalTokens: 10}
	if err := sink.Record(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := sink.Record(ctx, recent); err != nil {
		t.Fatal(err)
	}

	totals, err := sink.TotalsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if totals.Requests != 1 || totals.TotalTokens != 10 {
		t.Errorf("totals = %+v", totals)
	}
}
