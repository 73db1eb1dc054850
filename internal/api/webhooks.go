package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

const maxWebhookBody = 1 << 20

// POST /webhooks/:provider
//
// Providers retry on anything but 2xx, so only definite rejections get a
// 4xx: 401 for a bad signature and 400 for an unreadable payload.
func (h *Handler) Webhook(c echo.Context) error {
	name := c.Param("provider")
	if name == "" {
		name = c.Request().Header.Get(WebhookProviderHeader)
	}
	adapter, ok := h.Webhooks.Adapter(name)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown webhook provider", "code": "validation_error"})
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "could not read body", "code": "validation_error"})
	}

	res, err := h.Webhooks.Ingest(c.Request().Context(), adapter.Name(), raw, c.Request().Header.Get(adapter.SignatureHeader()))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.Is(err, apperr.ErrInvalidSignature):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature", "code": apperr.Code(err)})
	case errors.Is(err, apperr.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error(), "code": apperr.Code(err)})
	default:
		h.Logger.Warn("webhook left for redelivery", zap.String("provider", adapter.Name()), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "processing failed, retry later", "code": apperr.Code(err)})
	}
}
