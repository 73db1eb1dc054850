// Package api exposes the settlement services over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/admin"
	"github.com/sudo-init-do/settlement/internal/escrow"
	"github.com/sudo-init-do/settlement/internal/idempotency"
	"github.com/sudo-init-do/settlement/internal/metrics"
	"github.com/sudo-init-do/settlement/internal/payout"
	"github.com/sudo-init-do/settlement/internal/vaccount"
	"github.com/sudo-init-do/settlement/internal/wallet"
	"github.com/sudo-init-do/settlement/internal/webhook"
)

const (
	IdempotencyKeyHeader  = "Idempotency-Key"
	ReplayedHeader        = "Idempotent-Replayed"
	WebhookProviderHeader = "X-Webhook-Provider"
)

type Handler struct {
	Ledger   *wallet.Ledger
	Escrow   *escrow.Service
	Payouts  *payout.Service
	Accounts *vaccount.Provisioner
	Webhooks *webhook.Reconciler
	Guard    *idempotency.Guard
	Metrics  *metrics.Metrics
	// Ready reports whether backing stores are reachable.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Register mounts every route on e. Admin routes get adminMW in front.
func (h *Handler) Register(e *echo.Echo, adminMW ...echo.MiddlewareFunc) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}

	e.GET("/health", h.Health)
	e.GET("/ready", h.ReadyCheck)
	if h.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.Metrics.Handler()))
	}

	e.POST("/webhooks", h.Webhook)
	e.POST("/webhooks/:provider", h.Webhook)

	e.POST("/orders", h.RegisterOrder)
	e.GET("/orders/:id/escrow", h.GetEscrow)
	e.POST("/orders/:id/deliver", h.Deliver)
	e.POST("/orders/:id/reject", h.Reject)
	e.POST("/orders/:id/cancel", h.Cancel)

	e.POST("/wallets", h.CreateWallet)
	e.GET("/wallets/:id", h.GetWallet)
	e.GET("/wallets/:id/transactions", h.ListTransactions)
	e.GET("/wallets/:id/virtual-account", h.GetVirtualAccount)
	e.POST("/wallets/:id/virtual-account", h.ProvisionVirtualAccount)
	e.GET("/wallets/:id/bank-accounts", h.ListBankAccounts)
	e.POST("/wallets/:id/bank-accounts", h.AddBankAccount)
	e.POST("/wallets/:id/payouts", h.RequestPayout)
	e.GET("/wallets/:id/payouts", h.ListPayouts)
	e.GET("/payouts/:id", h.GetPayout)
	e.POST("/payouts/:id/requery", h.RequeryPayout)

	ad := &admin.Handler{Ledger: h.Ledger, Escrow: h.Escrow, Payouts: h.Payouts}
	ad.Register(e.Group("/admin", adminMW...))
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (h *Handler) ReadyCheck(c echo.Context) error {
	if h.Ready != nil {
		if err := h.Ready(c.Request().Context()); err != nil {
			h.Logger.Warn("readiness check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready", "error": "dependency unreachable"})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
}
