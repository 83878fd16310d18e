// ABOUTME: Activity recorder that appends to the feed and fans out to publishers
// ABOUTME: Store failures are returned; publisher failures are logged and swallowed

package activity

import (
	"context"
	"log/slog"

	"github.com/robertvill8/orbit-backend/internal/apperr"
	"github.com/robertvill8/orbit-backend/internal/delivery"
	"github.com/robertvill8/orbit-backend/internal/store"
)

// Publisher receives every recorded activity.
type Publisher interface {
	Publish(ctx context.Context, a *store.Activity) error
}

// Recorder writes activity records.
type Recorder struct {
	store      store.ActivityStore
	publishers []Publisher
	logger     *slog.Logger
}

// NewRecorder creates a recorder. Publishers are called in order after the
// record is stored.
func NewRecorder(s store.ActivityStore, logger *slog.Logger, publishers ...Publisher) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:      s,
		publishers: publishers,
		logger:     logger.With("component", "activity"),
	}
}

// Record appends an activity and publishes it best effort.
func (r *Recorder) Record(ctx context.Context, userID, sessionID, kind, summary string, metadata map[string]any) (*store.Activity, error) {
	a := &store.Activity{
		UserID:    userID,
		SessionID: sessionID,
		Kind:      kind,
		Summary:   summary,
		Metadata:  metadata,
	}
	if err := r.store.AppendActivity(ctx, a); err != nil {
		return nil, apperr.Persistence("append activity", err)
	}

	for _, p := range r.publishers {
		if err := p.Publish(ctx, a); err != nil {
			r.logger.Warn("activity publish failed",
				"activity_id", a.ID,
				"kind", a.Kind,
				"error", err,
			)
		}
	}
	return a, nil
}

// HubPublisher pushes activities to the user's delivery destination.
type HubPublisher struct {
	hub *delivery.Hub
}

// NewHubPublisher creates a publisher backed by hub.
func NewHubPublisher(hub *delivery.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

type activityEvent struct {
	Type string `json:"type"`
	*store.Activity
}

// Publish implements Publisher.
func (p *HubPublisher) Publish(ctx context.Context, a *store.Activity) error {
	return p.hub.Send(ctx, delivery.UserDestination(a.UserID), activityEvent{Type: "activity", Activity: a})
}
