// ABOUTME: In-memory fan-out of delivery frames to subscribers of a destination
// ABOUTME: Destinations are "session:{id}" and "user:{id}"; sends never block on slow subscribers

package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// SessionDestination is the destination for events of one conversation.
func SessionDestination(sessionID string) string { return "session:" + sessionID }

// UserDestination is the destination for events addressed to a user.
func UserDestination(userID string) string { return "user:" + userID }

// Relay forwards frames to other instances.
type Relay interface {
	Publish(ctx context.Context, destination string, frame []byte) error
}

// Hub delivers JSON frames to zero or more local subscribers per destination.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan []byte // destination -> subID -> ch
	relay       Relay
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan []byte),
		logger:      logger.With("component", "delivery"),
	}
}

// SetRelay installs a relay used by Send to reach other instances.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Subscribe registers a subscriber for destination. The subscription is
// removed and its channel closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, destination string) (<-chan []byte, string) {
	subID := uuid.New().String()
	ch := make(chan []byte, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[destination]; !ok {
		h.subscribers[destination] = make(map[string]chan []byte)
	}
	h.subscribers[destination][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "destination", destination, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(destination, subID)
	}()

	return ch, subID
}

// Send marshals event once, delivers it locally and hands it to the relay.
// Having no subscribers is not an error.
func (h *Hub) Send(ctx context.Context, destination string, event any) error {
	frame, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.Deliver(destination, frame)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(ctx, destination, frame); err != nil {
			h.logger.Warn("relay publish failed", "destination", destination, "error", err)
		}
	}
	return nil
}

// Deliver fans an encoded frame out to local subscribers only. Frames are
// dropped for subscribers whose buffers are full.
func (h *Hub) Deliver(destination string, frame []byte) {
	// Sends are non-blocking, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()

	for subID, ch := range h.subscribers[destination] {
		select {
		case ch <- frame:
		default:
			h.logger.Debug("dropped frame for slow subscriber",
				"destination", destination,
				"sub_id", subID)
		}
	}
}

// Subscribers reports how many local subscribers destination has.
func (h *Hub) Subscribers(destination string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[destination])
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(destination, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[destination]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(h.subscribers, destination)
	}

	h.logger.Debug("subscriber removed", "destination", destination, "sub_id", subID)
}

// Close closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for dest, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, dest)
	}
}
