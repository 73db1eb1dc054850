package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

const AdminTokenHeader = "X-Admin-Token"

// AdminGuard ensures only holders of the admin token reach admin routes.
// An empty token closes the routes entirely.
func AdminGuard(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return c.JSON(http.StatusForbidden, echo.Map{
					"error": "admin access not configured",
				})
			}
			got := c.Request().Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return c.JSON(http.StatusForbidden, echo.Map{
					"error": "admin access only",
				})
			}
			return next(c)
		}
	}
}
