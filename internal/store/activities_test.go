// ABOUTME: Tests for activity feed store operations
// ABOUTME: Covers Append and List with filtering for the activities table

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityStore_Append(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := &Activity{
		UserID:    "user-1",
		SessionID: "session-1",
		Kind:      ActivityMessageProcessed,
		Summary:   "Agent responded to user message",
		Metadata:  map[string]any{"tool_calls_count": 2},
	}

	require.NoError(t, store.AppendActivity(ctx, a))
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())

	list, err := store.ListActivities(ctx, ActivityFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "session-1", list[0].SessionID)
	assert.EqualValues(t, 2, list[0].Metadata["tool_calls_count"])
}

func TestActivityStore_List_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, summary := range []string{"first", "second", "third"} {
		require.NoError(t, store.AppendActivity(ctx, &Activity{UserID: "u", Kind: ActivityMessageProcessed, Summary: summary}))
	}

	list, err := store.ListActivities(ctx, ActivityFilter{UserID: "u"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "third", list[0].Summary)
	assert.Equal(t, "first", list[2].Summary)
}

func TestActivityStore_List_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.AppendActivity(ctx, &Activity{UserID: "u", SessionID: "s1", Kind: ActivityMessageProcessed, Summary: "old", CreatedAt: old}))
	require.NoError(t, store.AppendActivity(ctx, &Activity{UserID: "u", SessionID: "s1", Kind: ActivityTurnFailed, Summary: "failed"}))
	require.NoError(t, store.AppendActivity(ctx, &Activity{UserID: "u", SessionID: "s2", Kind: ActivityMessageProcessed, Summary: "other session"}))
	require.NoError(t, store.AppendActivity(ctx, &Activity{UserID: "someone-else", Kind: ActivityMessageProcessed, Summary: "not mine"}))

	session := "s1"
	list, err := store.ListActivities(ctx, ActivityFilter{UserID: "u", SessionID: &session})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	kind := ActivityTurnFailed
	list, err = store.ListActivities(ctx, ActivityFilter{UserID: "u", Kind: &kind})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "failed", list[0].Summary)

	since := time.Now().UTC().Add(-time.Hour)
	list, err = store.ListActivities(ctx, ActivityFilter{UserID: "u", Since: &since})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = store.ListActivities(ctx, ActivityFilter{UserID: "u", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestActivityStore_List_Empty(t *testing.T) {
	store := setupTestStore(t)

	list, err := store.ListActivities(context.Background(), ActivityFilter{UserID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}
