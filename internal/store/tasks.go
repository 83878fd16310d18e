// ABOUTME: SQLite store methods for task lists and tasks
// ABOUTME: The default list per user is created with an idempotent upsert on a unique key

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertDefaultTaskList returns the user's default list, creating it on first use.
// The unique default_key column makes concurrent creation collapse to one row.
func (s *SQLiteStore) UpsertDefaultTaskList(ctx context.Context, userID string) (*TaskList, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO task_lists (id, user_id, name, color, position, default_key, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(default_key) DO NOTHING
	`, uuid.New().String(), userID, DefaultTaskListName, DefaultTaskListColor, userID, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("inserting default task list: %w", err)
	}

	var list TaskList
	var defaultKey sql.NullString
	var createdAt string
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, name, color, position, default_key, created_at
		FROM task_lists WHERE default_key = ?
	`, userID).Scan(&list.ID, &list.UserID, &list.Name, &list.Color, &list.Position, &defaultKey, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("querying default task list: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing default task list: %w", err)
	}

	list.IsDefault = defaultKey.Valid
	list.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Info("created default task list", "id", list.ID, "user_id", userID)
	}
	return &list, nil
}

// CreateTask creates a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = TaskStatusOpen
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}

	var dueDate *string
	if task.DueDate != nil {
		d := formatTime(*task.DueDate)
		dueDate = &d
	}

	metadataJSON, err := marshalJSON(task.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling task metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, list_id, user_id, session_id, title, description, priority, status, due_date, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ListID, task.UserID, nullString(task.SessionID), task.Title, nullString(task.Description),
		task.Priority, task.Status, dueDate, metadataJSON, formatTime(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "list_id", task.ListID)
	return nil
}

const taskColumns = `id, list_id, user_id, session_id, title, description, priority, status, due_date, metadata_json, created_at`

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// ListTasks lists the tasks of a list, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, listID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE list_id = ? ORDER BY created_at ASC, rowid ASC`, listID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tasks := []*Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var t Task
	var sessionID, description, dueDate sql.NullString
	var metadataJSON *string
	var createdAt string

	if err := scanner.Scan(&t.ID, &t.ListID, &t.UserID, &sessionID, &t.Title, &description,
		&t.Priority, &t.Status, &dueDate, &metadataJSON, &createdAt); err != nil {
		return nil, err
	}

	t.SessionID = sessionID.String
	t.Description = description.String

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if dueDate.Valid {
		d, err := parseTime(dueDate.String)
		if err != nil {
			return nil, fmt.Errorf("parsing due_date: %w", err)
		}
		t.DueDate = &d
	}
	if t.Metadata, err = unmarshalJSON(metadataJSON); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return &t, nil
}
