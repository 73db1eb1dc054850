package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

// ErrorHandler renders handler errors as {"error", "code"} using the
// settlement error taxonomy.
func ErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, code, msg := describe(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Error(err),
			)
		}
		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, echo.Map{"error": msg, "code": code})
		}
		if werr != nil {
			logger.Warn("write error response", zap.Error(werr))
		}
	}
}

func describe(err error) (int, string, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprint(he.Message)
		switch he.Code {
		case http.StatusNotFound:
			return he.Code, "not_found", msg
		case http.StatusMethodNotAllowed:
			return he.Code, "method_not_allowed", msg
		case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
			return he.Code, "validation_error", msg
		}
		return he.Code, "http_error", msg
	}
	status := apperr.HTTPStatus(err)
	code := apperr.Code(err)
	if code == "internal_error" {
		return status, code, "internal error"
	}
	return status, code, err.Error()
}
