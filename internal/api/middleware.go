package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/septivank/device-usage-worker/internal/logging"
	"go.uber.org/zap"
)

// RequestRecorder collects HTTP metrics
type RequestRecorder interface {
	HTTPRequest(method, route string, status int, elapsed time.Duration)
}

// scope puts the request id and a request scoped logger into the context.
// An x-request-id header sent by the caller wins over the generated id.
func (h *Handler) scope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("x-request-id")
		if requestID == "" {
			requestID = middleware.GetReqID(r.Context())
		}
		w.Header().Set("x-request-id", requestID)

		logger := logging.WithRequestID(h.logger, requestID)
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		ctx = logging.NewContext(ctx, logger)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// observe logs and measures every request by its route pattern
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		if h.recorder != nil {
			h.recorder.HTTPRequest(r.Method, route, status, elapsed)
		}
		logging.FromContext(r.Context(), h.logger).Debug("http request served",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
		)
	})
}
