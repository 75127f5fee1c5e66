package core

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"notifly/internal/types"
)

// defaultRateLimitWindow is the window over which per-client request counts
// are accumulated.
const defaultRateLimitWindow = time.Minute

// RateLimit enforces a per-client request cap using the configured
// RateLimitStore. Requests are keyed by client IP since the public surface
// (webhooks, unsubscribe links) carries no authenticated principal.
//
// If no RateLimitStore is configured (e.g., during tests), the middleware
// passes through without rate limiting.
//
// On every request (allowed or not), the middleware sets standard rate limit
// response headers:
//   - X-RateLimit-Limit: The maximum number of requests in the window.
//   - X-RateLimit-Remaining: The number of requests remaining.
//   - X-RateLimit-Reset: Unix timestamp when the window resets.
//
// When rate limited, the middleware also sets:
//   - Retry-After: Seconds until the rate limit window resets.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If no rate limit store is configured, pass through.
		if s.RateLimitStore == nil {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := clientIPFromRequest(r)
		if clientIP == "" {
			next.ServeHTTP(w, r)
			return
		}

		limit := s.rateLimitPerMinute()

		result, err := s.RateLimitStore.IncrementAndCheck(
			r.Context(),
			"ratelimit:"+clientIP,
			limit,
			defaultRateLimitWindow,
		)
		if err != nil {
			// On store errors, fail open: allow the request through but log
			// the error. This prevents a rate limit store outage from blocking
			// all API traffic.
			s.Logger.Error("rate limit store error",
				slog.String("client_ip", clientIP),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		// Set rate limit headers on every response (allowed or denied).
		setRateLimitHeaders(w, limit, result)

		if !result.Allowed {
			s.Logger.Warn("rate limit exceeded",
				slog.String("client_ip", clientIP),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			// Set Retry-After header for 429 responses.
			retryAfter := int(time.Until(result.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			requestID := types.GetRequestID(r.Context())
			resp := APIErrorResponse{
				Error: ErrorDetail{
					Code:      string(types.ErrCodeRateLimit),
					Message:   "Rate limit exceeded. Please retry after the reset time.",
					RequestID: requestID,
				},
			}
			JSON(w, r, http.StatusTooManyRequests, resp)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitPerMinute returns the configured per-client limit, falling back to
// a conservative default when unset.
func (s *Server) rateLimitPerMinute() int {
	if s.Config != nil && s.Config.Security.RateLimitPerMinute > 0 {
		return s.Config.Security.RateLimitPerMinute
	}
	return 120
}

// clientIPFromRequest resolves the originating client IP. Behind a load
// balancer or API Gateway the first entry of X-Forwarded-For is the client;
// otherwise RemoteAddr is used with its port stripped.
func clientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			first = xff[:idx]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// setRateLimitHeaders writes the standard X-RateLimit-* headers to the response.
func setRateLimitHeaders(w http.ResponseWriter, limit int, result RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
