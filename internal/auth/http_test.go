// ABOUTME: Tests for the HTTP authentication middleware
// ABOUTME: Covers bearer tokens, query tokens, expiry and the header fallback

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(id.Method + ":" + id.UserID))
	})
}

func TestMiddleware_JWT(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"))
	valid, err := verifier.Generate("alice", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	expired, err := verifier.Generate("alice", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"valid bearer", "Bearer " + valid, "", http.StatusOK, "jwt:alice"},
		{"query token", "", "?access_token=" + valid, http.StatusOK, "jwt:alice"},
		{"missing header", "", "", http.StatusUnauthorized, `{"error":"missing authorization header"}`},
		{"wrong scheme", "Basic abc", "", http.StatusUnauthorized, `{"error":"invalid authorization header format"}`},
		{"garbage", "Bearer nope", "", http.StatusUnauthorized, `{"error":"invalid token"}`},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized, `{"error":"token expired"}`},
	}

	handler := Middleware(verifier)(echoUser())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestMiddleware_HeaderFallback(t *testing.T) {
	handler := Middleware(nil)(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(UserIDHeader, "bob")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "header:bob" {
		t.Errorf("got %d %q, want 200 header:bob", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestUserID_Unauthenticated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := UserID(req.Context()); got != "" {
		t.Errorf("UserID() = %q, want empty", got)
	}
	ctx := WithIdentity(req.Context(), &Identity{UserID: "carol"})
	if got := UserID(ctx); got != "carol" {
		t.Errorf("UserID() = %q, want carol", got)
	}
}
