package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kvantpay/tally/pkg/logger"
)

// Recovery returns a panic recovery middleware. The response matches the
// handlers' error envelope; the panic detail stays in the log.
func Recovery(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("Panic recovered",
						"error", fmt.Sprintf("%v", rec),
						"path", r.URL.Path,
						"method", r.Method,
						"request_id", chimiddleware.GetReqID(r.Context()),
						"stack", string(debug.Stack()),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal error","code":"INTERNAL"}`))
				}
			}()

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}
