// ABOUTME: WebSocket endpoint relaying delivery hub frames to a connected client
// ABOUTME: Subscribes to the caller's user destination and optionally one session

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/robertvill8/orbit-backend/internal/auth"
	"github.com/robertvill8/orbit-backend/internal/delivery"
	"github.com/robertvill8/orbit-backend/internal/store"
)

const wsWriteTimeout = 10 * time.Second

// handleWebSocket handles GET /api/ws.
// Frames sent to user:{id} and, when ?session_id= is given, session:{id} are
// written to the socket as text messages. Client messages are ignored.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" {
		session, err := g.store.GetSession(r.Context(), sessionID)
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			g.logger.Error("failed to get session", "session_id", sessionID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if session.UserID != userID {
			g.sendJSONError(w, http.StatusForbidden, "session belongs to another user")
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames; ctx ends when the client goes away.
	ctx := conn.CloseRead(r.Context())

	userFrames, _ := g.hub.Subscribe(ctx, delivery.UserDestination(userID))
	var sessionFrames <-chan []byte
	if sessionID != "" {
		sessionFrames, _ = g.hub.Subscribe(ctx, delivery.SessionDestination(sessionID))
	}

	g.logger.Debug("websocket connected", "user_id", userID, "session_id", sessionID)
	defer g.logger.Debug("websocket disconnected", "user_id", userID, "session_id", sessionID)

	for {
		var frame []byte
		var ok bool
		select {
		case <-ctx.Done():
			return
		case frame, ok = <-userFrames:
		case frame, ok = <-sessionFrames:
		}
		if !ok {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
		if err := writeFrame(ctx, conn, frame); err != nil {
			g.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}
