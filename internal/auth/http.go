// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token, or the X-User-ID header when no secret is configured

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// UserIDHeader identifies the caller when bearer auth is disabled.
const UserIDHeader = "X-User-ID"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// extractToken reads the bearer token, falling back to the access_token query
// parameter for browser WebSocket clients that cannot set headers.
func extractToken(r *http.Request) (string, string) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		if q := r.URL.Query().Get("access_token"); q != "" {
			return q, ""
		}
	}
	return token, errMsg
}

// Middleware authenticates every request. With a nil verifier, the caller
// is taken from the X-User-ID header instead.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
				if userID == "" {
					writeError(w, http.StatusUnauthorized, "missing "+UserIDHeader+" header")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{UserID: userID, Method: "header"})))
				return
			}

			token, errMsg := extractToken(r)
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeError(w, http.StatusUnauthorized, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{UserID: userID, Method: "jwt"})))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
