// ABOUTME: HTTP route table for the orbit API
// ABOUTME: Health endpoints are public; everything under /api is authenticated

package gateway

import (
	"net/http"

	"github.com/robertvill8/orbit-backend/internal/auth"
)

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	authn := auth.Middleware(g.verifier)
	api := func(h http.HandlerFunc) http.Handler { return authn(h) }
	limited := func(h http.HandlerFunc) http.Handler { return authn(g.rateLimit(h)) }

	mux.Handle("POST /api/chat/message", limited(g.handleChatMessage))
	mux.Handle("POST /api/chat/stream", limited(g.handleChatStream))
	mux.Handle("GET /api/chat/history/{session_id}", api(g.handleHistory))
	mux.Handle("GET /api/sessions", api(g.handleListSessions))
	mux.Handle("GET /api/activities", api(g.handleListActivities))
	mux.Handle("GET /api/stats/usage", api(g.handleUsageStats))
	mux.Handle("GET /api/ws", api(g.handleWebSocket))

	return mux
}
