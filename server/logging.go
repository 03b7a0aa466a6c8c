// ABOUTME: Request logging middleware for the operator API in the same log.Printf key=value style as the engine.
// ABOUTME: Logs the chi route pattern and request id so callback and intervention traffic can be correlated.
package server

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// quietPaths are polled often and only logged when they fail.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if quietPaths[r.URL.Path] && status < http.StatusBadRequest {
			return
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		log.Printf("component=server action=request request_id=%s method=%s route=%s path=%s status=%d bytes=%d duration=%s",
			middleware.GetReqID(r.Context()),
			r.Method,
			route,
			r.URL.Path,
			status,
			ww.BytesWritten(),
			time.Since(start).Round(time.Microsecond),
		)
	})
}
