package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/adserve/kit"
)

// TraceHeader carries the request trace id in both directions.
const TraceHeader = "X-Trace-ID"

// TraceID gives every request a trace id and a per-request logger. An
// upstream id of 8 to 64 hex characters is kept, otherwise a fresh 8-char
// id is minted. The id is echoed in TraceHeader, stored with
// kit.WithTraceID, and the request is logged at Debug when it completes.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if !validTrace(traceID) {
			traceID = newTraceID()
		}
		w.Header().Set(TraceHeader, traceID)

		logger := slog.Default().With("trace_id", traceID, "method", r.Method, "path", r.URL.Path)
		ctx := kit.WithTraceID(r.Context(), traceID)
		ctx = context.WithValue(ctx, LoggerKey, logger)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		defer func() {
			logger.Debug("request done",
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr)
		}()
		next.ServeHTTP(sw, r.WithContext(ctx))
	})
}

// GetLogger returns the per-request logger, or slog.Default() outside a
// traced request.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func newTraceID() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func validTrace(s string) bool {
	if len(s) < 8 || len(s) > 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// statusWriter remembers the response status for the completion log.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(p)
}

// Flush keeps streaming responses (MCP over SSE) working behind the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
