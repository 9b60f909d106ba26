package ratelimit

import (
	"net"
	"net/http"

	"github.com/shelfsync/shelfsync/internal/logger"
)

// Middleware limits requests keyed by keyFunc; an empty key falls back to
// the caller's IP
func Middleware(limiter RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if keyFunc != nil {
				key = keyFunc(r)
			}
			if key == "" {
				key = remoteIP(r)
			}

			if !limiter.Allow(r.Context(), key) {
				logger.Warn("rate limit exceeded", "key", key, "path", r.URL.Path)
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// remoteIP strips the port from RemoteAddr. chi's RealIP middleware has
// already rewritten it from proxy headers when present.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
