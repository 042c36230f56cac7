package adengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/adserve/kit"
	"github.com/hazyhaar/adserve/shield"
)

// Version is reported by /health and the MCP server.
const Version = "1.0.0"

// Handler returns the HTTP surface:
//
//	POST /api/ads/serve        serve ads (DNT: 1 ⇒ empty list)
//	POST /api/ads/click        record a click
//	POST /api/ads/rank         deterministic ranking, no side effects
//	GET  /api/ads/stats        counters by topic
//	POST /api/admin/reload     reload catalog and tunables (basic auth)
//	POST /api/admin/maintain   run maintenance now (basic auth)
//	GET  /api/admin/metrics    metric totals (basic auth)
//	GET  /health
//	     /mcp                  MCP streamable HTTP
func (s *Service) Handler() http.Handler {
	eps := s.Endpoints()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}
	r.Use(s.limiter.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"version":   Version,
			"optimizer": s.optimizer.BreakerState(),
		})
	})

	r.Route("/api/ads", func(r chi.Router) {
		r.Post("/serve", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("DNT") == "1" {
				writeJSON(w, http.StatusOK, &ServeResponse{Ads: []ServedAd{}})
				return
			}
			serveEndpoint(w, r, eps.Serve, decodeJSON[ServeRequest])
		})
		r.Post("/click", func(w http.ResponseWriter, r *http.Request) {
			serveEndpoint(w, r, eps.Click, decodeJSON[ClickRequest])
		})
		r.Post("/rank", func(w http.ResponseWriter, r *http.Request) {
			serveEndpoint(w, r, eps.Rank, decodeJSON[RankRequest])
		})
		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			serveEndpoint(w, r, eps.Stats, func(r *http.Request) (*StatsRequest, error) {
				return &StatsRequest{Topic: r.URL.Query().Get("topic")}, nil
			})
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/reload", func(w http.ResponseWriter, r *http.Request) {
			serveEndpoint(w, r, eps.Reload, func(*http.Request) (*struct{}, error) { return &struct{}{}, nil })
		})
		r.Post("/maintain", func(w http.ResponseWriter, r *http.Request) {
			rep, err := s.Maintain(context.WithoutCancel(r.Context()))
			if err != nil {
				shield.GetLogger(r.Context()).Warn("maintenance incomplete", "error", err)
			}
			writeJSON(w, http.StatusOK, rep)
		})
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			since := time.Now().Add(-24 * time.Hour)
			if v := r.URL.Query().Get("since"); v != "" {
				d, err := time.ParseDuration(v)
				if err != nil || d <= 0 {
					writeError(w, http.StatusBadRequest, fmt.Errorf("%w: since must be a positive duration", ErrInvalidInput))
					return
				}
				since = time.Now().Add(-d)
			}
			totals, err := s.Metrics(r.Context(), since)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, totals)
		})
	})

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: serviceName, Version: Version}, nil)
	s.RegisterMCP(mcpSrv)
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))

	return r
}

// serveEndpoint decodes, calls the endpoint detached from the client's
// cancellation and writes the JSON answer. A dropped connection must not
// abort optimizer calls or half-write an impression.
func serveEndpoint[T any](w http.ResponseWriter, r *http.Request, ep kit.Endpoint, decode func(*http.Request) (*T, error)) {
	req, err := decode(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := kit.WithTransport(context.WithoutCancel(r.Context()), "http")
	if a, ok := any(req).(interface{ anonID() string }); ok && a.anonID() != "" {
		ctx = kit.WithAnonID(ctx, a.anonID())
	}
	resp, err := ep(ctx, req)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			shield.GetLogger(r.Context()).Error("request failed", "error", err)
			err = errors.New("internal error")
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON[T any](r *http.Request) (*T, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return &v, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrImpressionNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// requireAdmin checks HTTP basic auth against the configured bcrypt hash.
// Admin routes are closed when no hash is configured.
func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminPasswordHash == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin disabled"})
			return
		}
		_, pass, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="adserve"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
