// Package kit holds the transport-neutral plumbing shared by the HTTP and
// MCP surfaces: context keys, the Endpoint type, and middleware chaining.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is a transport-agnostic request handler.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call with its duration and error, tagged with the
// transport, trace id and anon id found in ctx.
func Logging(logger *slog.Logger, name string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"endpoint", name,
				"transport", GetTransport(ctx),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if tid := GetTraceID(ctx); tid != "" {
				attrs = append(attrs, "trace_id", tid)
			}
			if aid := GetAnonID(ctx); aid != "" {
				attrs = append(attrs, "anon_id", aid)
			}
			if err != nil {
				logger.WarnContext(ctx, "endpoint failed", append(attrs, "error", err)...)
			} else {
				logger.DebugContext(ctx, "endpoint ok", attrs...)
			}
			return resp, err
		}
	}
}
