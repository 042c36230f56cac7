// Package shield holds the HTTP middleware shared by the ad server's routes:
// panic recovery, security headers, body limits, request tracing and per-IP
// rate limiting.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack() {
//	    r.Use(mw)
//	}
//	r.Use(shield.NewRateLimiter(cfg.RateLimits).Middleware)
package shield

import (
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultBodyLimit caps JSON request bodies.
const DefaultBodyLimit int64 = 64 * 1024

// DefaultStack returns the middleware every route gets, outermost first:
// TraceID → Recover → HeadToGet → SecurityHeaders → MaxBody.
func DefaultStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		TraceID,
		Recover,
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultBodyLimit),
	}
}

// HeadToGet lets GET routes (health, stats) answer HEAD probes instead of 405.
// net/http drops the body for HEAD responses.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
