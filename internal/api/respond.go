package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/septivank/device-usage-worker/internal/logging"
	"github.com/septivank/device-usage-worker/internal/usage"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// statusOf maps usage errors to HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, usage.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, usage.ErrResourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, usage.ErrDeviceNotRecognized):
		return http.StatusUnprocessableEntity
	case errors.Is(err, usage.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, usage.ErrInfrastructureUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	logger := logging.FromContext(r.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		logger.Info("request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decode reads a JSON body into dst, reporting malformed input as an invalid
// request
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed body: %w", usage.ErrInvalidRequest, err)
	}
	return nil
}
