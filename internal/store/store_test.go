// ABOUTME: Shared test helpers for the store package
// ABOUTME: Creates temporary SQLite stores and seed sessions

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func createTestSession(t *testing.T, store *SQLiteStore, userID string) *Session {
	t.Helper()
	session := &Session{UserID: userID, Title: "test"}
	require.NoError(t, store.CreateSession(context.Background(), session))
	return session
}
