// Package api serves the data-usage and mobile-traffic HTTP endpoints.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/septivank/device-usage-worker/internal/billing"
	"github.com/septivank/device-usage-worker/internal/logging"
	"github.com/septivank/device-usage-worker/internal/traffic"
	"github.com/septivank/device-usage-worker/internal/usage"
	"github.com/septivank/device-usage-worker/tools/timeparser"
	"go.uber.org/zap"
)

// Handler holds the HTTP handlers
type Handler struct {
	usage    *usage.Service
	traffic  *traffic.Tracker
	recorder RequestRecorder
	metrics  http.Handler
	timeout  time.Duration
	logger   *zap.Logger
}

// HandlerParams holds the collaborators of the HTTP handlers
type HandlerParams struct {
	Usage          *usage.Service
	Traffic        *traffic.Tracker
	Recorder       RequestRecorder
	MetricsHandler http.Handler
	Timeout        time.Duration
	Logger         *zap.Logger
}

// NewHandler creates the HTTP handlers
func NewHandler(p HandlerParams) *Handler {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	return &Handler{
		usage:    p.Usage,
		traffic:  p.Traffic,
		recorder: p.Recorder,
		metrics:  p.MetricsHandler,
		timeout:  p.Timeout,
		logger:   p.Logger,
	}
}

// Router builds the chi router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.scope)
	r.Use(h.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(h.timeout))

		r.Route("/data-usage", func(r chi.Router) {
			r.Post("/", h.createDataUsage)
			r.Delete("/", h.removeManyDataUsage)
			r.Post("/status", h.dataUsageStatus)
			r.Get("/history/{deviceID}", h.dataUsageHistory)
			r.Get("/{deviceID}", h.latestDataUsage)
			r.Patch("/{deviceID}/verification", h.verifyDataUsage)
			r.Patch("/{deviceID}", h.increaseDataUsage)
			r.Delete("/{deviceID}", h.removeDataUsage)
		})

		r.Route("/mobile-traffic", func(r chi.Router) {
			r.Post("/", h.recordMobileTraffic)
			r.Get("/history/{deviceID}", h.mobileTrafficHistory)
			r.Get("/{deviceID}/billing-date/{billingDate}", h.mobileTrafficSince)
		})
	})

	return r
}

type deletedResponse struct {
	DeletedCount int64 `json:"deleted_count"`
}

func (h *Handler) createDataUsage(w http.ResponseWriter, r *http.Request) {
	var snapshot usage.Snapshot
	if err := decode(r, &snapshot); err != nil {
		h.writeError(w, r, err)
		return
	}

	created, err := h.usage.Create(r.Context(), snapshot)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// dataUsageStatus answers whether the event limit is reached, consuming one
// event when it is not
func (h *Handler) dataUsageStatus(w http.ResponseWriter, r *http.Request) {
	var profile usage.LimitationProfile
	if err := decode(r, &profile); err != nil {
		h.writeError(w, r, err)
		return
	}
	if profile.DeviceID == "" {
		h.writeError(w, r, fmt.Errorf("%w: serial_number is required", usage.ErrInvalidRequest))
		return
	}
	if !billing.ValidDay(profile.BillingDayOfMonth) {
		h.writeError(w, r, fmt.Errorf("%w: billing_day_of_month %d is out of range", usage.ErrInvalidRequest, profile.BillingDayOfMonth))
		return
	}

	result := h.usage.TryConsumeEventQuota(r.Context(), profile.DeviceID, &profile)
	writeJSON(w, http.StatusOK, result.LimitReached())
}

func (h *Handler) dataUsageHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.usage.History(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) latestDataUsage(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.usage.LatestStored(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type verifyRequest struct {
	BillingDay int `json:"billing_day"`
}

func (h *Handler) verifyDataUsage(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !billing.ValidDay(req.BillingDay) {
		h.writeError(w, r, fmt.Errorf("%w: billing_day %d is out of range", usage.ErrInvalidRequest, req.BillingDay))
		return
	}

	full, err := h.usage.FullActual(r.Context(), chi.URLParam(r, "deviceID"), req.BillingDay)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, full)
}

type increaseRequest struct {
	usage.Deltas
	BillingDay int `json:"billing_day,omitempty"`
}

func (h *Handler) increaseDataUsage(w http.ResponseWriter, r *http.Request) {
	var req increaseRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.BillingDay != 0 && !billing.ValidDay(req.BillingDay) {
		h.writeError(w, r, fmt.Errorf("%w: billing_day %d is out of range", usage.ErrInvalidRequest, req.BillingDay))
		return
	}

	snapshot, err := h.usage.Increase(r.Context(), chi.URLParam(r, "deviceID"), req.Deltas, req.BillingDay, nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) removeDataUsage(w http.ResponseWriter, r *http.Request) {
	deleted := h.usage.Remove(r.Context(), chi.URLParam(r, "deviceID"))
	writeJSON(w, http.StatusOK, deletedResponse{DeletedCount: deleted})
}

type removeManyRequest struct {
	DeviceIDs []string `json:"device_ids"`
}

func (h *Handler) removeManyDataUsage(w http.ResponseWriter, r *http.Request) {
	var req removeManyRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	deleted := h.usage.RemoveMany(r.Context(), req.DeviceIDs)
	writeJSON(w, http.StatusOK, deletedResponse{DeletedCount: deleted})
}

type mobileTrafficRequest struct {
	DeviceID    string `json:"device_id"`
	DataUsageTx int64  `json:"data_usage_tx"`
	DataUsageRx int64  `json:"data_usage_rx"`
	CreatedDate string `json:"created_date,omitempty"`
}

// recordMobileTraffic stores simulated telemetry. Values are bytes.
func (h *Handler) recordMobileTraffic(w http.ResponseWriter, r *http.Request) {
	var req mobileTrafficRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.DeviceID == "" {
		h.writeError(w, r, fmt.Errorf("%w: device_id is required", usage.ErrInvalidRequest))
		return
	}
	if req.DataUsageTx < 0 || req.DataUsageRx < 0 {
		h.writeError(w, r, fmt.Errorf("%w: traffic values must not be negative", usage.ErrInvalidRequest))
		return
	}
	if req.CreatedDate != "" {
		if _, err := time.Parse(timeparser.DayLayout, req.CreatedDate); err != nil {
			h.writeError(w, r, fmt.Errorf("%w: created_date must be YYYY-MM-DD", usage.ErrInvalidRequest))
			return
		}
	}

	logging.FromContext(r.Context(), h.logger).Info("simulated mobile traffic received",
		zap.String("device_id", req.DeviceID),
		zap.Int64("data_usage_tx", req.DataUsageTx),
		zap.Int64("data_usage_rx", req.DataUsageRx),
	)
	h.traffic.Record(r.Context(), req.DeviceID, req.DataUsageTx, req.DataUsageRx, req.CreatedDate)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) mobileTrafficHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.traffic.History(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", usage.ErrInfrastructureUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) mobileTrafficSince(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	boundary, err := timeparser.ParseBillingDate(chi.URLParam(r, "billingDate"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", usage.ErrInvalidRequest, err))
		return
	}

	actual, err := h.traffic.ActualSince(r.Context(), deviceID, boundary)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", usage.ErrInfrastructureUnavailable, err))
		return
	}
	if actual == nil {
		h.writeError(w, r, fmt.Errorf("%w: mobile traffic of %s", usage.ErrResourceNotFound, deviceID))
		return
	}
	writeJSON(w, http.StatusOK, actual)
}
