package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"iframe-proxy-go/internal/config"
	"iframe-proxy-go/internal/target"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	store   *target.Store
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, store *target.Store, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, store: store, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information, including the current target.
func (h *HealthHandler) Status(c echo.Context) error {
	snap := h.store.Snapshot()

	updatedAt := ""
	if snap.Set {
		updatedAt = snap.UpdatedAt.UTC().Format(time.RFC3339)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           string(h.version),
		"target":            snap.URL,
		"target_set":        snap.Set,
		"target_updated_at": updatedAt,
		"verify_tls":        h.cfg.Upstream.VerifyTLS,
	})
}
