package middleware

import (
	"github.com/labstack/echo/v4"
)

// framingHeaders stop a page from being embedded in a cross-origin frame.
var framingHeaders = []string{
	echo.HeaderXFrameOptions,
	echo.HeaderContentSecurityPolicy,
}

// AllowFraming returns an Echo middleware that removes framing restrictions
// from every response just before its headers are written, whichever
// handler or middleware set them.
func AllowFraming() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Before(func() {
				for _, h := range framingHeaders {
					res.Header().Del(h)
				}
			})
			return next(c)
		}
	}
}
