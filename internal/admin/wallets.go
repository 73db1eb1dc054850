package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/wallet"
)

// GET /admin/wallets
func (h *Handler) ListWallets(c echo.Context) error {
	role := wallet.Role(c.QueryParam("role"))
	if role != "" && !role.Valid() {
		return apperr.Validation("unknown role %q", role)
	}
	limit, offset, err := Page(c)
	if err != nil {
		return err
	}
	wallets, err := h.Ledger.List(c.Request().Context(), role, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"wallets": wallets, "limit": limit, "offset": offset})
}

// POST /admin/wallets/:id/audit
func (h *Handler) AuditWallet(c echo.Context) error {
	rep, err := h.Ledger.Audit(c.Request().Context(), c.Param("id"))
	if errors.Is(err, apperr.ErrIrrecoverableMismatch) && rep != nil {
		return c.JSON(http.StatusLocked, echo.Map{"report": rep, "error": err.Error(), "code": apperr.Code(err)})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"report": rep})
}

// Page reads limit and offset query parameters.
func Page(c echo.Context) (limit, offset int, err error) {
	limit, offset = 50, 0
	if v := c.QueryParam("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 || limit > 500 {
			return 0, 0, apperr.Validation("limit must be between 1 and 500")
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, apperr.Validation("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
