// Package auth authenticates API callers for orbit-backend.
//
// # JWT Tokens
//
// Clients send an HS256 token signed with auth.jwt_secret:
//
//	Authorization: Bearer <token>
//
// The "sub" claim is the user id. WebSocket clients that cannot set headers
// may pass the token as the access_token query parameter. Tokens for local
// use are minted with `orbit token <user-id>`.
//
// # Header Mode
//
// When no secret is configured the middleware trusts the X-User-ID header.
// This mode is meant for development behind a trusted proxy.
//
// Handlers read the caller with UserID(ctx).
package auth
