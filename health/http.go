package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const probeTimeout = 2 * time.Second

// Handler serves the health endpoints for a Monitor.
type Handler struct {
	monitor *Monitor
	system  string
}

// NewHandler creates a handler reporting under system.
func NewHandler(m *Monitor, system string) *Handler {
	return &Handler{monitor: m, system: system}
}

// Mount registers /healthz and /readyz on r.
func (h *Handler) Mount(r *mux.Router) {
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.Readyz).Methods(http.MethodGet)
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	status := h.check(r)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// Readyz reports readiness.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	status := h.check(r)
	code := http.StatusOK
	if !h.monitor.Ready() {
		code = http.StatusServiceUnavailable
		status.Message = "starting"
	} else if !status.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *Handler) check(r *http.Request) Status {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	return h.monitor.Check(ctx, h.system)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
