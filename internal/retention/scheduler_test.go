// ABOUTME: Tests for the retention scheduler
// ABOUTME: Uses a real sqlite store seeded with old and recent audit rows

package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertvill8/orbit-backend/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_Validation(t *testing.T) {
	s := newTestStore(t)

	_, err := New(s, "0 3 * * *", 0, nil)
	assert.Error(t, err)

	_, err = New(s, "not a schedule", time.Hour, nil)
	assert.Error(t, err)

	_, err = New(s, "0 3 * * *", time.Hour, nil)
	assert.NoError(t, err)
}

func TestPrune_DeletesOnlyOldRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for _, created := range []time.Time{now.Add(-48 * time.Hour), now.Add(-time.Hour)} {
		require.NoError(t, s.SaveWorkflowCall(ctx, &store.WorkflowCall{
			InvocationID: "inv-" + created.Format("150405"),
			WorkflowName: "email_search",
			Attempt:      1,
			Status:       store.CallSuccess,
			CreatedAt:    created,
		}))
		require.NoError(t, s.SaveLLMRequest(ctx, &store.LLMRequest{
			SessionID: "s1",
			Provider:  "anthropic",
			Model:     "test",
			Status:    "success",
			CreatedAt: created,
		}))
	}

	sched, err := New(s, "0 3 * * *", 24*time.Hour, nil)
	require.NoError(t, err)
	sched.now = func() time.Time { return now }

	res, err := sched.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), res.Cutoff)
	assert.Equal(t, int64(1), res.WorkflowCalls)
	assert.Equal(t, int64(1), res.LLMRequests)

	reqs, err := s.ListLLMRequests(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].CreatedAt.Equal(now.Add(-time.Hour)))

	res, err = sched.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.WorkflowCalls)
	assert.Zero(t, res.LLMRequests)
}

func TestRun_StopsOnCancel(t *testing.T) {
	sched, err := New(newTestStore(t), "0 3 * * *", time.Hour, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
