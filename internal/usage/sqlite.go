package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	type       TEXT NOT NULL,
	quantity   INTEGER NOT NULL,
	unit       TEXT NOT NULL,
	cost_usd   REAL NOT NULL,
	metadata   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_created_at ON usage_records(created_at);
CREATE INDEX IF NOT EXISTS idx_usage_type ON usage_records(type);
`

// recordType tags every row this sink writes.
const recordType = "llm_call"

// recordMetadata is the JSON stored in the metadata column.
type recordMetadata struct {
	Model            string `json:"model"`
	Provider         string `json:"provider"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	Streamed         bool   `json:"streamed,omitempty"`
	Fallback         bool   `json:"fallback,omitempty"`
	Estimated        bool   `json:"estimated,omitempty"`
}

// SQLiteSink persists usage records to a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// DefaultUsagePath returns ~/.nimbus/usage.db.
func DefaultUsagePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".nimbus", "usage.db"), nil
}

// NewSQLiteSink opens (and if needed creates) the usage database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create usage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize usage schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Record inserts one usage row: quantity is the total token count, unit is
// "tokens", and provider/model/token detail rides in the metadata JSON.
func (s *SQLiteSink) Record(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	metadata, err := json.Marshal(recordMetadata{
		Model:            rec.Model,
		Provider:         rec.Provider,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		Streamed:         rec.Streamed,
		Fallback:         rec.Fallback,
		Estimated:        rec.Estimated,
	})
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, created_at, type, quantity, unit, cost_usd, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		recordType,
		rec.TotalTokens,
		"tokens",
		rec.CostUSD,
		string(metadata),
	)
	return err
}

// Totals summarizes recorded usage.
type Totals struct {
	Requests    int
	TotalTokens int
	CostUSD     float64
}

// TotalsSince aggregates records at or after the given time.
func (s *SQLiteSink) TotalsSince(ctx context.Context, since time.Time) (Totals, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(quantity), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_records WHERE created_at >= ?`,
		since.UTC().Format(time.RFC3339Nano),
	)
	var t Totals
	if err := row.Scan(&t.Requests, &t.TotalTokens, &t.CostUSD); err != nil {
		return Totals{}, err
	}
	return t, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

var _ Sink = (*SQLiteSink)(nil)
