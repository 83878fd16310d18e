// ABOUTME: Tests for the activity recorder and its publishers
// ABOUTME: Uses a real SQLite store, the delivery hub and an optional RabbitMQ broker

package activity

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertvill8/orbit-backend/internal/apperr"
	"github.com/robertvill8/orbit-backend/internal/delivery"
	"github.com/robertvill8/orbit-backend/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, *store.Activity) error {
	f.calls++
	return errors.New("broker down")
}

type brokenStore struct{ store.ActivityStore }

func (brokenStore) AppendActivity(context.Context, *store.Activity) error {
	return errors.New("disk full")
}

func TestRecord_PersistsAndPublishes(t *testing.T) {
	s := newTestStore(t)
	hub := delivery.NewHub(nil)
	defer hub.Close()
	ctx := t.Context()

	frames, _ := hub.Subscribe(ctx, delivery.UserDestination("u1"))
	failing := &failingPublisher{}
	r := NewRecorder(s, nil, failing, NewHubPublisher(hub))

	a, err := r.Record(ctx, "u1", "s1", store.ActivityMessageProcessed, "Processed message", map[string]any{"tokens_used": 42})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, 1, failing.calls, "publisher errors do not stop later publishers")

	listed, err := s.ListActivities(ctx, store.ActivityFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, a.ID, listed[0].ID)
	assert.Equal(t, float64(42), listed[0].Metadata["tokens_used"])

	select {
	case frame := <-frames:
		var ev map[string]any
		require.NoError(t, json.Unmarshal(frame, &ev))
		assert.Equal(t, "activity", ev["type"])
		assert.Equal(t, a.ID, ev["id"])
		assert.Equal(t, store.ActivityMessageProcessed, ev["kind"])
		assert.Equal(t, "s1", ev["session_id"])
	case <-time.After(time.Second):
		t.Fatal("no activity frame delivered")
	}
}

func TestRecord_StoreFailureIsPersistenceError(t *testing.T) {
	publisher := &failingPublisher{}
	r := NewRecorder(brokenStore{}, nil, publisher)

	_, err := r.Record(t.Context(), "u1", "s1", store.ActivityTurnFailed, "failed", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPersistence)
	assert.Equal(t, 0, publisher.calls, "nothing is published for an unstored activity")
}

func TestAMQPPublisher_RequiresURL(t *testing.T) {
	_, err := NewAMQPPublisher("", "", nil)
	assert.Error(t, err)
}

func TestAMQPPublisher_RoutesByKind(t *testing.T) {
	url := os.Getenv("ORBIT_TEST_AMQP_URL")
	if url == "" {
		t.Skip("ORBIT_TEST_AMQP_URL not set")
	}
	exchange := "orbit.activity.test"

	p, err := NewAMQPPublisher(url, exchange, nil)
	require.NoError(t, err)
	defer p.Close()

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, store.ActivityTurnFailed, exchange, false, nil))
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	a := &store.Activity{ID: "a1", UserID: "u1", Kind: store.ActivityTurnFailed, Summary: "boom", CreatedAt: time.Now().UTC()}
	require.NoError(t, p.Publish(t.Context(), a))

	select {
	case d := <-deliveries:
		assert.Equal(t, "a1", d.MessageId)
		var got store.Activity
		require.NoError(t, json.Unmarshal(d.Body, &got))
		assert.Equal(t, "boom", got.Summary)
	case <-time.After(5 * time.Second):
		t.Fatal("activity not delivered")
	}
}
