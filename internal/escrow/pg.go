package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

const holdColumns = `order_id, gross_amount, platform_fee, vendor_share, rider_share, status, resolution,
	refund_reason, source_provider, gateway_reference, held_at, resolved_at`

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func scanHold(row pgx.Row) (*Hold, error) {
	var h Hold
	var status, res, reason string
	err := row.Scan(&h.OrderID, &h.Gross, &h.PlatformFee, &h.VendorShare, &h.RiderShare, &status, &res,
		&reason, &h.SourceProvider, &h.GatewayReference, &h.HeldAt, &h.ResolvedAt)
	if err != nil {
		return nil, err
	}
	h.Status = HoldStatus(status)
	h.Resolution = Resolution(res)
	h.RefundReason = RefundReason(reason)
	return &h, nil
}

func (s *PGStore) SaveOrder(ctx context.Context, o Order) (*Order, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, customer_id, vendor_id, rider_id, subtotal, delivery_fee, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		o.ID, o.CustomerID, o.VendorID, o.RiderID, o.Subtotal, o.DeliveryFee, o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}
	return s.GetOrder(ctx, o.ID)
}

func (s *PGStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := s.pool.QueryRow(ctx,
		`SELECT id, customer_id, vendor_id, rider_id, subtotal, delivery_fee, created_at
		 FROM orders WHERE id = $1`, id).
		Scan(&o.ID, &o.CustomerID, &o.VendorID, &o.RiderID, &o.Subtotal, &o.DeliveryFee, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("order", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

func (s *PGStore) CreateHold(ctx context.Context, h Hold) (*Hold, bool, error) {
	var orderID string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO escrow_holds (`+holdColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (order_id) DO NOTHING
		 RETURNING order_id`,
		h.OrderID, h.Gross, h.PlatformFee, h.VendorShare, h.RiderShare, string(h.Status), string(h.Resolution),
		string(h.RefundReason), h.SourceProvider, h.GatewayReference, h.HeldAt, h.ResolvedAt).Scan(&orderID)
	created := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("create hold: %w", err)
	}
	stored, err := s.GetHold(ctx, h.OrderID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *PGStore) GetHold(ctx context.Context, orderID string) (*Hold, error) {
	h, err := scanHold(s.pool.QueryRow(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("escrow hold", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get hold: %w", err)
	}
	return h, nil
}

func (s *PGStore) CommitResolution(ctx context.Context, orderID string, res Resolution, reason RefundReason) (*Hold, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE escrow_holds SET resolution = $2, refund_reason = $3
		 WHERE order_id = $1 AND status = 'held' AND resolution = 'none'`,
		orderID, string(res), string(reason))
	if err != nil {
		return nil, fmt.Errorf("commit resolution: %w", err)
	}
	return s.GetHold(ctx, orderID)
}

func (s *PGStore) MarkResolved(ctx context.Context, orderID string, status HoldStatus, at time.Time) (*Hold, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE escrow_holds SET status = $2, resolved_at = $3 WHERE order_id = $1 AND status = 'held'`,
		orderID, string(status), at)
	if err != nil {
		return nil, fmt.Errorf("mark hold %s: %w", status, err)
	}
	return s.GetHold(ctx, orderID)
}

func (s *PGStore) ListUnresolved(ctx context.Context, limit int) ([]Hold, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdColumns+` FROM escrow_holds
		 WHERE status = 'held' AND resolution <> 'none'
		 ORDER BY held_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved holds: %w", err)
	}
	defer rows.Close()

	var out []Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (s *PGStore) Counts(ctx context.Context) (map[HoldStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM escrow_holds GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count holds: %w", err)
	}
	defer rows.Close()

	out := map[HoldStatus]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[HoldStatus(status)] = n
	}
	return out, rows.Err()
}
