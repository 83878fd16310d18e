// Package gateway is the HTTP face of orbit-backend.
//
// # Overview
//
// New builds every server component from a config.Config: the sqlite store,
// the delivery hub, the LLM adapter, the n8n workflow client, the tool
// dispatcher and the orchestration engine. When enabled it also connects
// Redis (session lock and delivery relay), RabbitMQ (activity publishing)
// and the retention scheduler.
//
// # Routes
//
//	GET  /health                          liveness
//	GET  /health/ready                    store (and redis) ping
//	POST /api/chat/message                one turn, JSON reply, Idempotency-Key aware
//	POST /api/chat/stream                 one turn as SSE frames `data: {json}`
//	GET  /api/chat/history/{session_id}   paged history, ?render=html via goldmark
//	GET  /api/sessions                    the caller's sessions
//	GET  /api/activities                  the caller's activity feed
//	GET  /api/stats/usage                 the caller's LLM token usage
//	GET  /api/ws                          websocket relay of delivery frames
//
// Everything under /api passes through auth.Middleware. The chat endpoints
// are additionally rate limited per user when rate_limit.enabled is set.
//
// # Lifecycle
//
// Run listens on server.http_addr and blocks until its context is canceled.
// The HTTP server, the Redis relay and the retention scheduler run in one
// errgroup, so the failure of any of them shuts the rest down. Shutdown is
// idempotent.
package gateway
