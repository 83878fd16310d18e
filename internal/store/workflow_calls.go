// ABOUTME: Store methods for per-attempt external workflow call records
// ABOUTME: One row per HTTP attempt, grouped by invocation id, prunable by age

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveWorkflowCall stores one workflow call attempt.
func (s *SQLiteStore) SaveWorkflowCall(ctx context.Context, call *WorkflowCall) error {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}

	var statusCode any
	if call.StatusCode != 0 {
		statusCode = call.StatusCode
	}

	query := `
		INSERT INTO workflow_calls (
			id, invocation_id, session_id, workflow_name, attempt,
			request_payload, response_payload, status_code, status, error_message,
			latency_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		call.ID,
		call.InvocationID,
		nullString(call.SessionID),
		call.WorkflowName,
		call.Attempt,
		nullString(string(call.RequestPayload)),
		nullString(string(call.ResponsePayload)),
		statusCode,
		call.Status,
		nullString(call.ErrorMessage),
		call.LatencyMS,
		formatTime(call.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting workflow call: %w", err)
	}

	s.logger.Debug("saved workflow call",
		"id", call.ID,
		"workflow", call.WorkflowName,
		"attempt", call.Attempt,
		"status", call.Status,
	)
	return nil
}

// ListWorkflowCalls returns every attempt of one invocation in attempt order.
func (s *SQLiteStore) ListWorkflowCalls(ctx context.Context, invocationID string) ([]*WorkflowCall, error) {
	query := `
		SELECT id, invocation_id, session_id, workflow_name, attempt,
		       request_payload, response_payload, status_code, status, error_message,
		       latency_ms, created_at
		FROM workflow_calls
		WHERE invocation_id = ?
		ORDER BY attempt ASC
	`

	rows, err := s.db.QueryContext(ctx, query, invocationID)
	if err != nil {
		return nil, fmt.Errorf("querying workflow calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	calls := []*WorkflowCall{}
	for rows.Next() {
		call, err := scanWorkflowCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workflow call rows: %w", err)
	}
	return calls, nil
}

// DeleteWorkflowCallsBefore removes records created before the cutoff.
func (s *SQLiteStore) DeleteWorkflowCallsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_calls WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("deleting workflow calls: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

func scanWorkflowCall(rows *sql.Rows) (*WorkflowCall, error) {
	var call WorkflowCall
	var sessionID, request, response, errMsg sql.NullString
	var statusCode sql.NullInt64
	var createdAtStr string

	err := rows.Scan(
		&call.ID,
		&call.InvocationID,
		&sessionID,
		&call.WorkflowName,
		&call.Attempt,
		&request,
		&response,
		&statusCode,
		&call.Status,
		&errMsg,
		&call.LatencyMS,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning workflow call row: %w", err)
	}

	call.SessionID = sessionID.String
	call.ErrorMessage = errMsg.String
	call.StatusCode = int(statusCode.Int64)
	if request.Valid {
		call.RequestPayload = []byte(request.String)
	}
	if response.Valid {
		call.ResponsePayload = []byte(response.String)
	}

	call.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &call, nil
}
