// Package usage records per-request token and cost accounting. Recording is
// fire-and-forget: a failing sink never blocks or fails a completion.
package usage

import (
	"context"
	"time"
)

// Record is one completed request's accounting entry.
type Record struct {
	Timestamp        time.Time
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64

	// Streamed marks responses delivered over a stream.
	Streamed bool

	// Fallback marks responses served by a provider other than the one
	// first selected.
	Fallback bool

	// Estimated marks token counts derived from character-length
	// estimation rather than provider-reported usage.
	Estimated bool
}

// Sink persists usage records.
type Sink interface {
	Record(ctx context.Context, rec Record) error
	Close() error
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) Record(context.Context, Record) error { return nil }
func (NopSink) Close() error                         { return nil }
