package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// KeyFunc extracts the rate limiting subject from an HTTP request.
// Returning an empty string skips rate limiting for that request.
type KeyFunc func(*http.Request) string

// ByIP extracts the client IP from RemoteAddr, removing the port if present.
// Use this for direct connections without a proxy.
func ByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ByRealIP extracts the client IP from X-Forwarded-For or X-Real-IP headers.
// Use this when behind a proxy/load balancer.
// If neither header is present, rate limiting is skipped for that request.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these
// headers. Without a proxy, clients can spoof X-Forwarded-For to bypass
// rate limits.
func ByRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	return ""
}

// ByIPAndEndpoint combines the client IP with the matched route so each
// endpoint gets its own window per IP. The route pattern from chi is
// preferred over the raw path, so "/jobs/123" and "/jobs/456" count against
// the same "/jobs/{id}" key instead of exploding key cardinality.
func ByIPAndEndpoint(r *http.Request) string {
	route := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			route = pattern
		}
	}

	ip := ByIP(r)
	var sb strings.Builder
	sb.Grow(len(ip) + 1 + len(r.Method) + 1 + len(route))
	sb.WriteString(ip)
	sb.WriteByte(':')
	sb.WriteString(r.Method)
	sb.WriteByte(':')
	sb.WriteString(route)
	return sb.String()
}

// Middleware returns rate limiting middleware enforcing the limiter's quota
// for the given action, keyed by keyFn. Sets the following headers:
//   - RateLimit-Limit: The rate limit ceiling for the current window
//   - RateLimit-Remaining: Number of requests remaining in the current window
//   - RateLimit-Reset: Unix timestamp when the current window resets
//   - Retry-After: (only when limited) Seconds until the window resets
//
// These headers follow the IETF draft-ietf-httpapi-ratelimit-headers
// specification. Returns 429 (Too Many Requests) when the limit is
// exceeded. When the store is unreachable the request proceeds uncounted
// and no headers are set (fail-open).
//
// Example:
//
//	r := chi.NewRouter()
//	r.Use(ratelimit.Middleware(limiter, ratelimit.ActionFetchPage, ratelimit.ByIP))
func Middleware(l *Limiter, action Action, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := keyFn(r)
			if subject == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := l.Allow(r.Context(), action, subject)
			if err != nil {
				http.Error(w, "Rate limit check failed", http.StatusInternalServerError)
				return
			}
			if res.Degraded {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("RateLimit-Limit", strconv.FormatInt(l.Limit(), 10))
			w.Header().Set("RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			w.Header().Set("RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
