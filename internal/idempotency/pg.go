package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sudo-init-do/settlement/internal/clock"
)

// PGStore keeps claims in the idempotency_keys table. An expired row is
// taken over in place by the next claimant.
type PGStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewPGStore(pool *pgxpool.Pool, clk clock.Clock) *PGStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &PGStore{pool: pool, clock: clk}
}

func (s *PGStore) Claim(ctx context.Context, key, token string, lease time.Duration) (*Record, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		now := s.clock.Now()
		var claimedKey string
		err := s.pool.QueryRow(ctx,
			`INSERT INTO idempotency_keys (key, status, created_at, expires_at, token)
			 VALUES ($1, 'in_flight', $2, $3, $4)
			 ON CONFLICT (key) DO UPDATE
			   SET status = 'in_flight', result = NULL, created_at = EXCLUDED.created_at,
			       completed_at = NULL, expires_at = EXCLUDED.expires_at, token = EXCLUDED.token
			   WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
			 RETURNING key`,
			key, now, now.Add(lease), token).Scan(&claimedKey)
		if err == nil {
			return nil, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("claim idempotency key: %w", err)
		}

		var r Record
		var status string
		err = s.pool.QueryRow(ctx,
			`SELECT key, status, result, created_at, completed_at, expires_at
			 FROM idempotency_keys WHERE key = $1`, key).
			Scan(&r.Key, &status, &r.Result, &r.CreatedAt, &r.CompletedAt, &r.ExpiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			// released between the insert and the read
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("read idempotency key: %w", err)
		}
		r.Status = Status(status)
		return &r, false, nil
	}
	return nil, false, fmt.Errorf("claim idempotency key %s: contended", key)
}

// Complete writes the result only while the row is still in flight under
// token. A purged row is recreated since nobody else holds the key.
func (s *PGStore) Complete(ctx context.Context, key, token string, result []byte, ttl time.Duration) error {
	now := s.clock.Now()
	res, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, status, result, created_at, completed_at, expires_at, token)
		 VALUES ($1, 'completed', $2, $3, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE
		   SET status = 'completed', result = EXCLUDED.result, completed_at = EXCLUDED.completed_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE idempotency_keys.token = EXCLUDED.token AND idempotency_keys.status = 'in_flight'`,
		key, result, now, now.Add(ttl), token)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PGStore) Release(ctx context.Context, key, token string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND token = $2 AND status = 'in_flight'`, key, token)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Purge deletes expired records and returns how many were removed.
func (s *PGStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return res.RowsAffected(), nil
}
