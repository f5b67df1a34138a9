package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/ratelimit"
)

// KeyFunc derives the limiter key for a request.
type KeyFunc func(r *http.Request) string

// ByIP keys on the client address without its port; run chi's RealIP first.
func ByIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimit rejects requests over the limiter's window with 429 and a
// Retry-After header. Limiter errors fail open and are logged.
func RateLimit(lim ratelimit.Limiter, key KeyFunc, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, err := lim.Allow(r.Context(), key(r), now())
			if err != nil {
				log.Warn("rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				apperr.Write(w, apperr.New(apperr.RateLimited, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
