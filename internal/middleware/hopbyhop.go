package middleware

import (
	"github.com/labstack/echo/v4"

	"runtime-proxy-go/internal/model"
)

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from incoming requests before they reach the processor.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			model.RemoveHopByHopHeaders(c.Request().Header)
			return next(c)
		}
	}
}
