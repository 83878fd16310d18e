// ABOUTME: Per-user token bucket limiting for the chat endpoints
// ABOUTME: Buckets idle for longer than limiterIdleTTL are dropped lazily

package gateway

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/robertvill8/orbit-backend/internal/auth"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterSweepEvery = 1024
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type userLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	retry   time.Duration
	calls   int
	now     func() time.Time
}

func newUserLimiter(perMinute, burst int) *userLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &userLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		retry:   time.Minute / time.Duration(perMinute),
		now:     time.Now,
	}
}

// allow reports whether userID may make another request now.
func (l *userLimiter) allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls%limiterSweepEvery == 0 {
		for id, e := range l.entries {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.entries, id)
			}
		}
	}

	e, ok := l.entries[userID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[userID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// rateLimit wraps next with the per-user limit. It is a no-op when limiting
// is disabled.
func (g *Gateway) rateLimit(next http.HandlerFunc) http.Handler {
	if g.limiter == nil {
		return next
	}
	retryAfter := strconv.Itoa(int(math.Ceil(g.limiter.retry.Seconds())))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.limiter.allow(auth.UserID(r.Context())) {
			w.Header().Set("Retry-After", retryAfter)
			g.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	})
}
