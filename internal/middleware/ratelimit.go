package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type usageWindow struct {
	hits    int
	resetAt time.Time
}

// RateLimit caps requests per client IP over a fixed window. It guards the
// submission and status endpoints; each submission can cost a remote
// generation call, so bursts are cut off before they reach the provider.
// Webhook callbacks are routed outside this limiter.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	var mu sync.Mutex
	windows := make(map[string]*usageWindow)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := limiterKey(r)
			now := time.Now()

			mu.Lock()
			win, ok := windows[key]
			if !ok || now.After(win.resetAt) {
				win = &usageWindow{resetAt: now.Add(per)}
				windows[key] = win
			}
			if win.hits >= limit {
				mu.Unlock()
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			win.hits++
			mu.Unlock()

			next.ServeHTTP(w, r)
		})
	}
}

// limiterKey picks the client identity for bucketing: the first valid
// forwarded address, then the connection peer.
func limiterKey(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			candidate := strings.TrimSpace(part)
			if candidate != "" && net.ParseIP(candidate) != nil {
				return candidate
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && net.ParseIP(host) != nil {
		return host
	}
	return r.RemoteAddr
}
