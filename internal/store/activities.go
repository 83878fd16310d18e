// ABOUTME: Activity feed entity store methods
// ABOUTME: Records what happened for a user (turns processed, turns failed) as an append-only log

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendActivity appends a new entry to the activity feed.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) AppendActivity(ctx context.Context, a *Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	metadataJSON, err := marshalJSON(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling activity metadata: %w", err)
	}

	query := `
		INSERT INTO activities (id, user_id, session_id, kind, summary, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		a.ID,
		a.UserID,
		nullString(a.SessionID),
		a.Kind,
		a.Summary,
		metadataJSON,
		formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}

	s.logger.Debug("appended activity",
		"id", a.ID,
		"user_id", a.UserID,
		"kind", a.Kind,
	)
	return nil
}

// scanActivity scans a row into an Activity.
func scanActivity(scanner interface{ Scan(dest ...any) error }) (Activity, error) {
	var a Activity
	var sessionID, metadataJSON *string
	var createdAtStr string

	if err := scanner.Scan(
		&a.ID,
		&a.UserID,
		&sessionID,
		&a.Kind,
		&a.Summary,
		&metadataJSON,
		&createdAtStr,
	); err != nil {
		return a, fmt.Errorf("scanning activity: %w", err)
	}

	if sessionID != nil {
		a.SessionID = *sessionID
	}

	var err error
	a.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return a, fmt.Errorf("parsing created_at: %w", err)
	}

	if a.Metadata, err = unmarshalJSON(metadataJSON); err != nil {
		return a, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return a, nil
}

const activityQuery = `
	SELECT id, user_id, session_id, kind, summary, metadata_json, created_at
	FROM activities
	WHERE user_id = ?
	  AND (? IS NULL OR session_id = ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR created_at >= ?)
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?
`

// ListActivities returns activities matching the filter criteria.
// Results are returned newest first.
func (s *SQLiteStore) ListActivities(ctx context.Context, f ActivityFilter) ([]Activity, error) {
	var sinceStr *string
	if f.Since != nil {
		str := formatTime(*f.Since)
		sinceStr = &str
	}

	rows, err := s.db.QueryContext(ctx, activityQuery,
		f.UserID,
		f.SessionID, f.SessionID,
		f.Kind, f.Kind,
		sinceStr, sinceStr,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying activities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activities: %w", err)
	}

	if entries == nil {
		entries = []Activity{}
	}
	return entries, nil
}
