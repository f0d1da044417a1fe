package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"authz-server/internal/gate"
	"authz-server/internal/logging"
)

// KeyFunc picks the bucket a request is counted against. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// ByIP buckets on the remote address.
func ByIP(prefix string) KeyFunc {
	return func(r *http.Request) string {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return prefix + ":ip:" + host
	}
}

// ByClient buckets on the calling client, falling back to the remote address.
func ByClient(prefix string) KeyFunc {
	byIP := ByIP(prefix)
	return func(r *http.Request) string {
		if id := gate.ClientID(r); id != "" {
			return prefix + ":client:" + id
		}
		return byIP(r)
	}
}

// Middleware rejects requests over the limit with 429. Limiter failures let the request through.
func Middleware(limiter RateLimiter, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			result, err := limiter.Allow(r.Context(), k)
			if err != nil {
				logging.FromContext(r.Context()).WithError(err).Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
			if !result.Allowed {
				retry := int(math.Ceil(time.Until(result.ResetTime).Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"error":             "too_many_requests",
					"error_description": "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
