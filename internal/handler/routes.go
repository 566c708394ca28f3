package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iframe-proxy-go/internal/config"
	"iframe-proxy-go/internal/metrics"
	"iframe-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Admin routes are static and win over the catch-all relay.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	admin := e.Group(config.AdminPrefix)
	admin.GET("/healthz", health.Healthz)
	admin.GET("/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any(EntryPath, proxy.Entry)
	e.Any(EntryPath+"/*", proxy.Continue, middleware.ContentTypeOverride())
	e.Any("/*", proxy.Continue, middleware.ContentTypeOverride())
}
