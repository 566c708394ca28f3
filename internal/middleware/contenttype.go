package middleware

import (
	"github.com/labstack/echo/v4"

	"iframe-proxy-go/internal/classify"
)

// ContentTypeOverride returns an Echo middleware that presets the response
// Content-Type from the request path's classification. Responses produced
// locally on the route keep it; relayed responses replace it with their own
// rewritten headers.
func ContentTypeOverride() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if ct := classify.Classify(c.Request().URL.Path).ContentType(); ct != "" {
				c.Response().Header().Set(echo.HeaderContentType, ct)
			}
			return next(c)
		}
	}
}
