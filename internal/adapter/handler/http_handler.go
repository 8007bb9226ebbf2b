package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	healthTimeout    = 2 * time.Second
)

type Reserver interface {
	Reserve(ctx context.Context, productID string, quantity int) (domain.Reservation, error)
}

type InventoryReader interface {
	FullInventory(ctx context.Context) ([]domain.InventoryItem, error)
}

type OrderLister interface {
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)
}

type FailedJobLister interface {
	FailedJobs(ctx context.Context, limit int) ([]domain.FailedJob, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPDeps struct {
	Reserver   Reserver
	Inventory  InventoryReader
	Orders     OrderLister
	FailedJobs FailedJobLister
	Redis      Pinger
	Database   Pinger
	Gatherer   prometheus.Gatherer
	Logger     zerolog.Logger
}

type HTTPHandler struct {
	deps HTTPDeps
}

type OrderHTTPRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type OrderHTTPResponse struct {
	Success  bool   `json:"success"`
	NewStock *int64 `json:"newStock,omitempty"`
	JobID    string `json:"jobId,omitempty"`
	Message  string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status   string                 `json:"status"`
	Redis    string                 `json:"redis"`
	Database string                 `json:"database"`
	Products []domain.InventoryItem `json:"products"`
}

func NewHTTPHandler(deps HTTPDeps) *HTTPHandler {
	return &HTTPHandler{deps: deps}
}

// Router wires the routes and middleware.
func (h *HTTPHandler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)

	r.Post("/order", h.PlaceOrder)
	r.Get("/health", h.HealthCheck)
	r.Get("/inventory", h.Inventory)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/orders", h.ListOrders)
		r.Get("/jobs/failed", h.ListFailedJobs)
	})

	gatherer := h.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func (h *HTTPHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, OrderHTTPResponse{
			Success: false,
			Message: "invalid request body",
		})
		return
	}

	res, err := h.deps.Reserver.Reserve(r.Context(), req.ProductID, req.Quantity)
	if err != nil {
		status := http.StatusInternalServerError
		message := "internal error"

		switch {
		case errors.Is(err, service.ErrInvalidInput):
			status = http.StatusBadRequest
			message = res.Reason
		case errors.Is(err, service.ErrInsufficientStock):
			status = http.StatusConflict
			message = "insufficient stock"
		case errors.Is(err, service.ErrBrokerUnavailable), errors.Is(err, service.ErrCounterUnavailable):
			status = http.StatusServiceUnavailable
			message = "service temporarily unavailable"
		}

		if status >= http.StatusInternalServerError {
			h.deps.Logger.Error().Err(err).Str("product_id", req.ProductID).Msg("reserve failed")
		}

		writeJSON(w, status, OrderHTTPResponse{
			Success: false,
			Message: message,
		})
		return
	}

	writeJSON(w, http.StatusOK, OrderHTTPResponse{
		Success:  true,
		NewStock: &res.Remaining,
		JobID:    res.JobID,
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:   "ok",
		Redis:    probe(ctx, h.deps.Redis),
		Database: probe(ctx, h.deps.Database),
		Products: []domain.InventoryItem{},
	}

	status := http.StatusOK
	if resp.Redis != "ok" || resp.Database != "ok" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else if items, err := h.deps.Inventory.FullInventory(ctx); err == nil {
		resp.Products = items
	} else {
		h.deps.Logger.Warn().Err(err).Msg("health inventory read failed")
	}

	writeJSON(w, status, resp)
}

func probe(ctx context.Context, p Pinger) string {
	if p == nil {
		return "unknown"
	}
	if err := p.Ping(ctx); err != nil {
		return "down"
	}
	return "ok"
}

func (h *HTTPHandler) Inventory(w http.ResponseWriter, r *http.Request) {
	items, err := h.deps.Inventory.FullInventory(r.Context())
	if err != nil {
		h.deps.Logger.Error().Err(err).Msg("inventory read failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "inventory unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	orders, err := h.deps.Orders.ListOrders(r.Context(), limit)
	if err != nil {
		h.deps.Logger.Error().Err(err).Msg("list orders failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "orders unavailable"})
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *HTTPHandler) ListFailedJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	failed, err := h.deps.FailedJobs.FailedJobs(r.Context(), limit)
	if err != nil {
		h.deps.Logger.Error().Err(err).Msg("list failed jobs failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "failed jobs unavailable"})
		return
	}
	if failed == nil {
		failed = []domain.FailedJob{}
	}
	writeJSON(w, http.StatusOK, failed)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "limit must be a positive integer"})
		return 0, false
	}
	return min(limit, maxListLimit), true
}

func (h *HTTPHandler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		h.deps.Logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
