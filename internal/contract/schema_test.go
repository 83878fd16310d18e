// ABOUTME: Contract tests for the SQLite schema backing sessions, audit logs and tasks
// ABOUTME: Fails when a table, column or index that queries depend on disappears

package contract

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertvill8/orbit-backend/internal/store"
)

// expectedSchema lists the columns each table must keep.
var expectedSchema = map[string][]string{
	"sessions": {
		"id", "user_id", "title", "created_at", "updated_at",
	},
	"messages": {
		"id", "session_id", "seq", "role",
		"content", "metadata_json", "created_at",
	},
	"activities": {
		"id", "user_id", "session_id", "kind",
		"summary", "metadata_json", "created_at",
	},
	"workflow_calls": {
		"id", "invocation_id", "session_id", "workflow_name",
		"attempt", "request_payload", "response_payload",
		"status_code", "status", "error_message",
		"latency_ms", "created_at",
	},
	"llm_requests": {
		"id", "session_id", "provider", "model",
		"prompt_tokens", "completion_tokens", "total_tokens",
		"latency_ms", "status", "error_message", "created_at",
	},
	"task_lists": {
		"id", "user_id", "name", "color",
		"position", "default_key", "created_at",
	},
	"tasks": {
		"id", "list_id", "user_id", "session_id",
		"title", "description", "priority", "status",
		"due_date", "metadata_json", "created_at",
	},
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "contract_test.db")

	// The store owns its connection, so inspect through a second one.
	sqliteStore, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err, "failed to create SQLite store")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err, "failed to open database")

	t.Cleanup(func() {
		db.Close()
		sqliteStore.Close()
	})

	return db
}

func getTableColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, fmt.Errorf("querying table info: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating columns: %w", err)
	}
	return columns, nil
}

func queryNames(t *testing.T, db *sql.DB, kind string) map[string]bool {
	t.Helper()
	rows, err := db.QueryContext(context.Background(),
		"SELECT name FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite_%'", kind)
	require.NoError(t, err)
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names[name] = true
	}
	require.NoError(t, rows.Err())
	return names
}

func TestSchemaSurface(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for table, expectedCols := range expectedSchema {
		t.Run(table, func(t *testing.T) {
			actualCols, err := getTableColumns(ctx, db, table)
			require.NoError(t, err)
			require.NotEmpty(t, actualCols, "table %s should exist", table)

			for _, col := range expectedCols {
				assert.True(t, actualCols[col], "column %s.%s should exist", table, col)
			}
			for col := range actualCols {
				if !slices.Contains(expectedCols, col) {
					t.Logf("INFO: extra column %s.%s not in contract", table, col)
				}
			}
		})
	}
}

func TestTablesExist(t *testing.T) {
	tables := queryNames(t, setupTestDB(t), "table")
	for table := range expectedSchema {
		assert.True(t, tables[table], "table %s should exist", table)
	}
}

func TestSchemaHasIndexes(t *testing.T) {
	indexes := queryNames(t, setupTestDB(t), "index")
	for _, idx := range []string{
		"idx_sessions_user",
		"idx_activities_user",
		"idx_activities_session",
		"idx_workflow_calls_invocation",
		"idx_workflow_calls_created",
		"idx_llm_requests_session",
		"idx_llm_requests_created",
		"idx_task_lists_user",
		"idx_tasks_list",
	} {
		assert.True(t, indexes[idx], "index %s should exist", idx)
	}
}

// Messages and tasks cascade with their parents; a missing pragma would
// leave orphans behind.
func TestForeignKeysEnforced(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fk.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	err = s.Append(context.Background(), "missing-session", &store.Message{
		Role:    store.RoleUser,
		Content: "orphan",
	})
	assert.Error(t, err)
}
