package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/codequay/codequay/internal/backend"
	"github.com/codequay/codequay/internal/config"
	"github.com/codequay/codequay/internal/store"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler reports aggregate dispatcher and backend health.
type HealthHandler struct {
	repo store.Repository
	be   backend.Backend
	cfg  *config.Config
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, be backend.Backend, cfg *config.Config) *HealthHandler {
	return &HealthHandler{repo: repo, be: be, cfg: cfg}
}

// Health returns the health status of the service and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.cfg.Backend.Disabled {
		checks["backend"] = "disabled"
	} else if err := h.be.Ping(ctx); err != nil {
		slog.Error("Backend health check failed", "error", err)
		status["status"] = "degraded"
		checks["backend"] = "unreachable (" + string(h.be.Kind()) + ")"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["backend"] = "ok (" + string(h.be.Kind()) + ")"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
