// ABOUTME: SQLite implementation for worker call telemetry
// ABOUTME: Stores one sample per turn/resume invocation for latency and token analytics

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkerUsage is one telemetry sample for a worker invocation.
// Recorded on both success and failure paths.
type WorkerUsage struct {
	ID           string
	SessionID    string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	LatencyMS    int64
	Success      bool
	ErrorCode    string
	CreatedAt    time.Time
}

// UsageFilter specifies optional filters for usage statistics.
type UsageFilter struct {
	SessionID *string
	Since     *time.Time
	Until     *time.Time
}

// UsageStats holds aggregated worker call statistics.
type UsageStats struct {
	TotalInput   int64
	TotalOutput  int64
	TotalTokens  int64
	CallCount    int64
	FailureCount int64
}

// SaveWorkerUsage stores a telemetry sample. Generates ID and CreatedAt if unset.
func (s *SQLiteStore) SaveWorkerUsage(ctx context.Context, usage *WorkerUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO worker_usage (
			id, session_id, provider, model,
			input_tokens, output_tokens, latency_ms, success, error_code,
			created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.SessionID,
		usage.Provider,
		usage.Model,
		usage.InputTokens,
		usage.OutputTokens,
		usage.LatencyMS,
		boolToInt(usage.Success),
		usage.ErrorCode,
		usage.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting worker usage: %w", err)
	}

	s.logger.Debug("saved worker usage",
		"id", usage.ID,
		"session_id", usage.SessionID,
		"latency_ms", usage.LatencyMS,
		"success", usage.Success,
	)
	return nil
}

// GetWorkerUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetWorkerUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0) as total_input,
			COALESCE(SUM(output_tokens), 0) as total_output,
			COUNT(*) as call_count,
			COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0) as failure_count
		FROM worker_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.SessionID != nil {
		query += " AND session_id = ?"
		args = append(args, *filter.SessionID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalInput,
		&stats.TotalOutput,
		&stats.CallCount,
		&stats.FailureCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	stats.TotalTokens = stats.TotalInput + stats.TotalOutput

	return &stats, nil
}

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
