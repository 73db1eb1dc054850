package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/settlement/internal/admin"
	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/idempotency"
	"github.com/sudo-init-do/settlement/internal/payout"
)

var errNotConfigured = errors.New("not configured")

type addBankAccountRequest struct {
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
}

type payoutRequest struct {
	Amount        int64  `json:"amount"`
	BankAccountID string `json:"bank_account_id"`
}

// POST /wallets/:id/bank-accounts
func (h *Handler) AddBankAccount(c echo.Context) error {
	var req addBankAccountRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid body: %v", err)
	}
	acct, err := h.Payouts.AddBankAccount(c.Request().Context(), c.Param("id"), req.AccountNumber, req.BankCode)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, acct)
}

// GET /wallets/:id/bank-accounts
func (h *Handler) ListBankAccounts(c echo.Context) error {
	accounts, err := h.Payouts.ListBankAccounts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"bank_accounts": accounts})
}

// POST /wallets/:id/payouts
//
// With an Idempotency-Key header a retried request returns the payout the
// first attempt created instead of reserving funds again.
func (h *Handler) RequestPayout(c echo.Context) error {
	var req payoutRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid body: %v", err)
	}
	walletID := c.Param("id")
	request := func(ctx context.Context) (*payout.Request, error) {
		return h.Payouts.RequestPayout(ctx, walletID, req.Amount, req.BankAccountID)
	}

	header := c.Request().Header.Get(IdempotencyKeyHeader)
	if header == "" {
		p, err := request(c.Request().Context())
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, p)
	}

	key := idempotency.ClientKey("payout:"+walletID, header)
	p, replayed, err := idempotency.Run(c.Request().Context(), h.Guard, key, request)
	if err != nil {
		return err
	}
	if replayed {
		c.Response().Header().Set(ReplayedHeader, "true")
		return c.JSON(http.StatusOK, p)
	}
	return c.JSON(http.StatusCreated, p)
}

// GET /wallets/:id/payouts
func (h *Handler) ListPayouts(c echo.Context) error {
	limit, offset, err := admin.Page(c)
	if err != nil {
		return err
	}
	payouts, err := h.Payouts.ListByWallet(c.Request().Context(), c.Param("id"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"payouts": payouts, "limit": limit, "offset": offset})
}

// GET /payouts/:id
func (h *Handler) GetPayout(c echo.Context) error {
	p, err := h.Payouts.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// POST /payouts/:id/requery
func (h *Handler) RequeryPayout(c echo.Context) error {
	p, err := h.Payouts.Requery(c.Request().Context(), c.Param("id"))
	if errors.Is(err, apperr.ErrAlreadyResolved) && p != nil {
		return c.JSON(http.StatusOK, p)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}
