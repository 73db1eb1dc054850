// Package admin serves operator endpoints: wallet listings, settlement
// totals and on-demand ledger audits.
package admin

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/settlement/internal/escrow"
	"github.com/sudo-init-do/settlement/internal/payout"
	"github.com/sudo-init-do/settlement/internal/wallet"
)

type EscrowCounter interface {
	Counts(ctx context.Context) (map[escrow.HoldStatus]int64, error)
}

type PayoutCounter interface {
	Counts(ctx context.Context) (map[payout.Status]int64, error)
}

type Handler struct {
	Ledger  *wallet.Ledger
	Escrow  EscrowCounter
	Payouts PayoutCounter
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("/wallets", h.ListWallets)
	g.GET("/stats", h.Stats)
	g.POST("/wallets/:id/audit", h.AuditWallet)
}

// GET /admin/stats
func (h *Handler) Stats(c echo.Context) error {
	ctx := c.Request().Context()

	totals, err := h.Ledger.Totals(ctx)
	if err != nil {
		return err
	}
	holds, err := h.Escrow.Counts(ctx)
	if err != nil {
		return err
	}
	payouts, err := h.Payouts.Counts(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, echo.Map{
		"wallets": totals,
		"escrow":  holds,
		"payouts": payouts,
	})
}
