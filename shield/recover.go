package shield

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
)

// Recover turns a handler panic into a JSON 500 for that request only.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			GetLogger(r.Context()).Error("panic in handler",
				"panic", rec,
				"stack", string(debug.Stack()))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
		}()
		next.ServeHTTP(w, r)
	})
}
