package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"keybridge/internal/utils"

	"golang.org/x/time/rate"
)

// Rate Limit Tiers
const (
	// Token endpoint (Strict)
	limitStrict = rate.Limit(2)
	burstStrict = 5

	// Authenticated API (Default)
	limitGeneral = rate.Limit(10)
	burstGeneral = 20
)

// visitor holds the rate limiter and the last time it was seen.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	idle     time.Duration
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{visitors: make(map[string]*visitor), idle: 3 * time.Minute}
}

// getVisitor retrieves or creates a rate limiter for the given key.
func (l *RateLimiter) getVisitor(key string, r rate.Limit, b int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, exists := l.visitors[key]
	if !exists {
		limiter := rate.NewLimiter(r, b)
		l.visitors[key] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func (l *RateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if time.Since(v.lastSeen) > l.idle {
			delete(l.visitors, key)
		}
	}
}

// Run removes idle visitors every minute until ctx is cancelled.
func (l *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// Strict limits the token endpoint per client IP.
func (l *RateLimiter) Strict(next http.Handler) http.Handler {
	return l.limit(limitStrict, burstStrict, "strict", next)
}

// General limits API calls per authenticated client, falling back to the IP.
func (l *RateLimiter) General(next http.Handler) http.Handler {
	return l.limit(limitGeneral, burstGeneral, "general", next)
}

func (l *RateLimiter) limit(r rate.Limit, b int, tier string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		identity := "ip:" + utils.ClientIP(req)
		if clientID, ok := ClientIDFrom(req.Context()); ok {
			identity = "client:" + clientID
		}

		if !l.getVisitor(identity+":"+tier, r, b).Allow() {
			utils.WriteJSONError(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, req)
	})
}
