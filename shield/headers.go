package shield

import "net/http"

// HeaderConfig lists the security headers set on every response. Empty
// fields are skipped.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
	CacheControl        string
}

// DefaultHeaders suits a JSON API: responses are never rendered as pages,
// framed or cached. Ad HTML travels inside JSON and is inserted by the host
// page, so the API's own CSP can deny everything.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
		CacheControl:        "no-store",
	}
}

// SecurityHeaders sets the configured headers before calling next.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	set := func(h http.Header, key, val string) {
		if val != "" {
			h.Set(key, val)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			set(h, "Content-Security-Policy", cfg.CSP)
			set(h, "X-Frame-Options", cfg.XFrameOptions)
			set(h, "X-Content-Type-Options", cfg.XContentTypeOptions)
			set(h, "Referrer-Policy", cfg.ReferrerPolicy)
			set(h, "Cache-Control", cfg.CacheControl)
			next.ServeHTTP(w, r)
		})
	}
}
