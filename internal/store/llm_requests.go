// ABOUTME: SQLite implementation for LLM request tracking
// ABOUTME: Stores per-call token consumption and latency for analytics and retention

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveLLMRequest stores an LLM request record.
func (s *SQLiteStore) SaveLLMRequest(ctx context.Context, req *LLMRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO llm_requests (
			id, session_id, provider, model,
			prompt_tokens, completion_tokens, total_tokens,
			latency_ms, status, error_message, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		req.ID,
		nullString(req.SessionID),
		req.Provider,
		req.Model,
		req.PromptTokens,
		req.CompletionTokens,
		req.TotalTokens,
		req.LatencyMS,
		req.Status,
		nullString(req.ErrorMessage),
		formatTime(req.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting llm request: %w", err)
	}

	s.logger.Debug("saved llm request",
		"id", req.ID,
		"session_id", req.SessionID,
		"prompt_tokens", req.PromptTokens,
		"completion_tokens", req.CompletionTokens,
	)
	return nil
}

// ListLLMRequests retrieves all request records for a session, oldest first.
func (s *SQLiteStore) ListLLMRequests(ctx context.Context, sessionID string) ([]*LLMRequest, error) {
	query := `
		SELECT id, session_id, provider, model,
		       prompt_tokens, completion_tokens, total_tokens,
		       latency_ms, status, error_message, created_at
		FROM llm_requests
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying llm requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	reqs := []*LLMRequest{}
	for rows.Next() {
		req, err := scanLLMRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating llm request rows: %w", err)
	}
	return reqs, nil
}

// GetLLMUsageStats returns aggregated token usage matching filter.
func (s *SQLiteStore) GetLLMUsageStats(ctx context.Context, filter UsageFilter) (*LLMUsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COUNT(*)
		FROM llm_requests
		WHERE 1=1
	`
	args := []any{}

	if filter.UserID != nil {
		query += " AND session_id IN (SELECT id FROM sessions WHERE user_id = ?)"
		args = append(args, *filter.UserID)
	}
	if filter.SessionID != nil {
		query += " AND session_id = ?"
		args = append(args, *filter.SessionID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}

	var stats LLMUsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.PromptTokens,
		&stats.CompletionTokens,
		&stats.TotalTokens,
		&stats.RequestCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying llm usage stats: %w", err)
	}
	return &stats, nil
}

// DeleteLLMRequestsBefore removes records created before the cutoff.
func (s *SQLiteStore) DeleteLLMRequestsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM llm_requests WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("deleting llm requests: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// scanLLMRequest scans a single row into an LLMRequest struct.
func scanLLMRequest(rows *sql.Rows) (*LLMRequest, error) {
	var req LLMRequest
	var sessionID, errMsg sql.NullString
	var createdAtStr string

	err := rows.Scan(
		&req.ID,
		&sessionID,
		&req.Provider,
		&req.Model,
		&req.PromptTokens,
		&req.CompletionTokens,
		&req.TotalTokens,
		&req.LatencyMS,
		&req.Status,
		&errMsg,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning llm request row: %w", err)
	}

	req.SessionID = sessionID.String
	req.ErrorMessage = errMsg.String

	req.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &req, nil
}
