package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/admin"
	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/provider"
	"github.com/sudo-init-do/settlement/internal/vaccount"
	"github.com/sudo-init-do/settlement/internal/wallet"
)

type holderRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func (r holderRequest) customer() provider.Customer {
	return provider.Customer{Name: r.Name, Email: r.Email, Phone: r.Phone}
}

type createWalletRequest struct {
	ActorID string      `json:"actor_id"`
	Role    wallet.Role `json:"role"`
	holderRequest
}

// POST /wallets
func (h *Handler) CreateWallet(c echo.Context) error {
	var req createWalletRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid body: %v", err)
	}
	if req.ActorID == "" {
		return apperr.Validation("actor_id is required")
	}
	if req.Role == wallet.RoleEscrow || req.Role == wallet.RolePlatform || !req.Role.Valid() {
		return apperr.Validation("role must be customer, vendor or rider")
	}
	ctx := c.Request().Context()
	w, err := h.Ledger.GetOrCreate(ctx, req.ActorID, req.Role)
	if err != nil {
		return err
	}

	resp := echo.Map{"wallet": w}
	if h.Accounts != nil && req.Email != "" {
		link, err := h.Accounts.EnsureLinkedAccount(ctx, w, req.customer())
		if err != nil {
			// the wallet stands without a deposit account
			h.Logger.Warn("virtual account provisioning failed",
				zap.String("wallet_id", w.ID), zap.Error(err))
			link = &vaccount.Link{
				WalletID:  w.ID,
				Status:    vaccount.StatusUnavailable,
				LastError: apperr.Code(err),
			}
		}
		resp["virtual_account"] = link
		if w, err = h.Ledger.Get(ctx, w.ID); err == nil {
			resp["wallet"] = w
		}
	}
	return c.JSON(http.StatusCreated, resp)
}

// GET /wallets/:id
func (h *Handler) GetWallet(c echo.Context) error {
	w, err := h.Ledger.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

// GET /wallets/:id/transactions
func (h *Handler) ListTransactions(c echo.Context) error {
	limit, offset, err := admin.Page(c)
	if err != nil {
		return err
	}
	txs, err := h.Ledger.Transactions(c.Request().Context(), c.Param("id"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"transactions": txs, "limit": limit, "offset": offset})
}

// GET /wallets/:id/virtual-account
func (h *Handler) GetVirtualAccount(c echo.Context) error {
	if h.Accounts == nil {
		return apperr.NotFound("virtual account link", c.Param("id"))
	}
	link, err := h.Accounts.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, link)
}

// POST /wallets/:id/virtual-account
func (h *Handler) ProvisionVirtualAccount(c echo.Context) error {
	var req holderRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid body: %v", err)
	}
	if h.Accounts == nil {
		return apperr.Unavailable("virtual accounts", errNotConfigured)
	}
	ctx := c.Request().Context()
	w, err := h.Ledger.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	link, err := h.Accounts.EnsureLinkedAccount(ctx, w, req.customer())
	if err != nil {
		return err
	}
	status := http.StatusOK
	if link.Status == vaccount.StatusUnavailable {
		status = http.StatusAccepted
	}
	return c.JSON(status, link)
}
