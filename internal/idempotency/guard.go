// Package idempotency makes externally triggered operations run at most once
// per key and replays their recorded result to duplicates.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/metrics"
)

const defaultLease = 5 * time.Minute

type Result struct {
	Payload  []byte
	Replayed bool
}

type Guard struct {
	store   Store
	ttl     time.Duration
	lease   time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewGuard returns a guard whose completed keys live for ttl. An in-flight
// claim from a crashed worker is reclaimable after the lease.
func NewGuard(store Store, ttl time.Duration, logger *zap.Logger, m *metrics.Metrics) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{store: store, ttl: ttl, lease: defaultLease, logger: logger, metrics: m}
}

// Do runs op once for key. A completed key returns the stored payload with
// Replayed set. A key still in flight fails with ErrOperationInFlight. When
// op fails the claim is dropped so a later delivery can try again.
func (g *Guard) Do(ctx context.Context, key string, op func(ctx context.Context) ([]byte, error)) (Result, error) {
	if key == "" {
		return Result{}, apperr.Validation("idempotency key is required")
	}
	token := uuid.NewString()
	existing, claimed, err := g.store.Claim(ctx, key, token, g.lease)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		if existing.Status == StatusCompleted {
			g.metrics.Idempotency("replayed")
			g.logger.Debug("idempotent replay", zap.String("key", key))
			return Result{Payload: existing.Result, Replayed: true}, nil
		}
		g.metrics.Idempotency("in_flight")
		return Result{}, fmt.Errorf("%w: %s", apperr.ErrOperationInFlight, key)
	}

	payload, err := op(ctx)
	if err != nil {
		g.metrics.Idempotency("failed")
		if rerr := g.store.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
			g.logger.Warn("release idempotency claim", zap.String("key", key), zap.Error(rerr))
		}
		return Result{}, err
	}
	if cerr := g.store.Complete(context.WithoutCancel(ctx), key, token, payload, g.ttl); errors.Is(cerr, ErrClaimLost) {
		// the lease ran out and a later holder owns the key; its record stands
		g.logger.Warn("idempotency claim lost before completion", zap.String("key", key))
	} else if cerr != nil {
		// op already took effect; a retry will be absorbed by the ledger keys
		g.logger.Error("complete idempotency claim", zap.String("key", key), zap.Error(cerr))
	}
	g.metrics.Idempotency("executed")
	return Result{Payload: payload}, nil
}

// Run is Do for typed results, JSON encoded in the store.
func Run[T any](ctx context.Context, g *Guard, key string, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var out T
	res, err := g.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := op(ctx)
		if err != nil {
			return nil, err
		}
		out = v
		return json.Marshal(v)
	})
	if err != nil {
		return out, false, err
	}
	if res.Replayed {
		var replay T
		if len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, &replay); err != nil {
				return replay, true, fmt.Errorf("decode replayed result for %s: %w", key, err)
			}
		}
		return replay, true, nil
	}
	return out, false, nil
}

// WebhookKey identifies one gateway notification.
func WebhookKey(provider, gatewayRef string) string {
	return strings.ToLower(provider) + ":" + gatewayRef
}

// OrderEventKey identifies one lifecycle event on an order.
func OrderEventKey(orderID, event string) string {
	return "order:" + orderID + ":" + event
}

// ClientKey scopes a caller supplied Idempotency-Key header.
func ClientKey(scope, headerValue string) string {
	return "client:" + scope + ":" + headerValue
}
