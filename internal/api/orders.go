package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/escrow"
	"github.com/sudo-init-do/settlement/internal/idempotency"
)

type registerOrderRequest struct {
	ID          string `json:"id"`
	CustomerID  string `json:"customer_id"`
	VendorID    string `json:"vendor_id"`
	RiderID     string `json:"rider_id"`
	Subtotal    int64  `json:"subtotal"`
	DeliveryFee int64  `json:"delivery_fee"`
}

// holdOutcome is the cached result of an order lifecycle event.
type holdOutcome struct {
	Hold            *escrow.Hold `json:"hold"`
	AlreadyResolved bool         `json:"already_resolved,omitempty"`
}

// POST /orders
func (h *Handler) RegisterOrder(c echo.Context) error {
	var req registerOrderRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid body: %v", err)
	}
	o, err := h.Escrow.RegisterOrder(c.Request().Context(), escrow.Order{
		ID:          req.ID,
		CustomerID:  req.CustomerID,
		VendorID:    req.VendorID,
		RiderID:     req.RiderID,
		Subtotal:    req.Subtotal,
		DeliveryFee: req.DeliveryFee,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, o)
}

// GET /orders/:id/escrow
func (h *Handler) GetEscrow(c echo.Context) error {
	hold, err := h.Escrow.GetHold(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hold)
}

// POST /orders/:id/deliver
func (h *Handler) Deliver(c echo.Context) error {
	orderID := c.Param("id")
	return h.orderEvent(c, orderID, "deliver", func(ctx context.Context) (*escrow.Hold, error) {
		return h.Escrow.Release(ctx, orderID)
	})
}

// POST /orders/:id/reject
func (h *Handler) Reject(c echo.Context) error {
	orderID := c.Param("id")
	return h.orderEvent(c, orderID, "reject", func(ctx context.Context) (*escrow.Hold, error) {
		return h.Escrow.Refund(ctx, orderID, escrow.ReasonVendorRejected)
	})
}

// POST /orders/:id/cancel
func (h *Handler) Cancel(c echo.Context) error {
	orderID := c.Param("id")
	return h.orderEvent(c, orderID, "cancel", func(ctx context.Context) (*escrow.Hold, error) {
		return h.Escrow.Refund(ctx, orderID, escrow.ReasonCustomerCancelled)
	})
}

// orderEvent runs a lifecycle transition once per order and event. A hold
// that had already left the transition's reach is reported, not failed.
func (h *Handler) orderEvent(c echo.Context, orderID, event string, fn func(ctx context.Context) (*escrow.Hold, error)) error {
	key := idempotency.OrderEventKey(orderID, event)
	out, replayed, err := idempotency.Run(c.Request().Context(), h.Guard, key, func(ctx context.Context) (holdOutcome, error) {
		hold, err := fn(ctx)
		if errors.Is(err, apperr.ErrAlreadyResolved) && hold != nil {
			return holdOutcome{Hold: hold, AlreadyResolved: true}, nil
		}
		if err != nil {
			return holdOutcome{}, err
		}
		return holdOutcome{Hold: hold}, nil
	})
	if err != nil {
		return err
	}
	if replayed {
		c.Response().Header().Set(ReplayedHeader, "true")
	}
	return c.JSON(http.StatusOK, out)
}
