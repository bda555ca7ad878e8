// Package usage provides persistent token usage and cost tracking for
// model calls. Records are append-only and indexed by timestamp, client
// and conversation for aggregation queries.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/portalworks/analyst/internal/config"
	"github.com/portalworks/analyst/internal/sqldb"
)

// Record is the token usage of one model call.
type Record struct {
	ID             string
	Timestamp      time.Time
	ConversationID string
	ClientID       string
	Model          string
	Provider       string // "anthropic"
	Iteration      int    // 1-based agent loop iteration
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int     `json:"totalRecords"`
	TotalInputTokens  int64   `json:"totalInputTokens"`
	TotalOutputTokens int64   `json:"totalOutputTokens"`
	TotalCostUSD      float64 `json:"totalCostUsd"`
}

// Store is an append-only store for usage records.
type Store struct {
	db *sqldb.DB
}

// NewStore creates a usage store on db. The schema is created on first
// use.
func NewStore(db *sqldb.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			id              TEXT PRIMARY KEY,
			timestamp       TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			client_id       TEXT NOT NULL,
			model           TEXT NOT NULL,
			provider        TEXT NOT NULL,
			iteration       INTEGER NOT NULL,
			input_tokens    INTEGER NOT NULL,
			output_tokens   INTEGER NOT NULL,
			cost_usd        REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_records(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_client ON usage_records(client_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO usage_records
			(id, timestamp, conversation_id, client_id, model, provider,
			 iteration, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		sqldb.FormatTime(rec.Timestamp),
		rec.ConversationID,
		rec.ClientID,
		rec.Model,
		rec.Provider,
		rec.Iteration,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)`

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+summaryColumns+` FROM usage_records WHERE timestamp >= ? AND timestamp < ?`),
		sqldb.FormatTime(start), sqldb.FormatTime(end),
	).Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// ConversationSummary returns aggregated totals for one conversation.
func (s *Store) ConversationSummary(ctx context.Context, conversationID string) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+summaryColumns+` FROM usage_records WHERE conversation_id = ?`),
		conversationID,
	).Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD)
	if err != nil {
		return nil, fmt.Errorf("query conversation usage: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByClient returns per-client totals for records within [start, end).
func (s *Store) SummaryByClient(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "client_id", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods, never user input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), %s
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, summaryColumns, column,
	)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), sqldb.FormatTime(start), sqldb.FormatTime(end))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost calculates the USD cost of a model call from the pricing
// table. Models not in the table cost nothing.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
