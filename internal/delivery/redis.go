// ABOUTME: Redis pub/sub relay that spreads delivery frames across instances
// ABOUTME: Each frame carries the origin instance id so an instance skips its own frames

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "orbit:delivery:"

type envelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisRelay publishes frames to Redis and feeds frames from other instances
// into the local hub.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	origin string
	logger *slog.Logger
}

// NewRedisRelay creates a relay bound to hub. Call Run to start receiving.
func NewRedisRelay(client *redis.Client, hub *Hub, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client: client,
		hub:    hub,
		origin: uuid.New().String(),
		logger: logger.With("component", "delivery-relay"),
	}
}

// Publish sends frame to every instance listening on destination.
func (r *RedisRelay) Publish(ctx context.Context, destination string, frame []byte) error {
	data, err := json.Marshal(envelope{Origin: r.origin, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, channelPrefix+destination, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run receives relayed frames until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	r.logger.Info("delivery relay started", "origin", r.origin)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			r.handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

// handle delivers one relayed message locally unless this instance sent it.
func (r *RedisRelay) handle(channel string, payload []byte) bool {
	destination, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return false
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("dropping malformed relay frame", "channel", channel, "error", err)
		return false
	}
	if env.Origin == r.origin {
		return false
	}
	r.hub.Deliver(destination, env.Frame)
	return true
}
