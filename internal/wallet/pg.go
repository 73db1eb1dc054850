package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/clock"
)

const walletColumns = `id, actor_id, actor_role, available_balance, pending_balance, total_earned,
	total_withdrawn, COALESCE(linked_account_id, ''), frozen, COALESCE(frozen_reason, ''), created_at, updated_at`

const txColumns = `id, wallet_id, type, amount, fee, net_amount, status, reference_id, idempotency_key,
	available_delta, pending_delta, earned_delta, withdrawn_delta, created_at, processed_at`

// PGStore is the Postgres ledger. Every Post runs in its own transaction and
// locks the wallet row with SELECT ... FOR UPDATE.
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

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	var role string
	err := row.Scan(&w.ID, &w.ActorID, &role, &w.Available, &w.Pending, &w.Earned,
		&w.Withdrawn, &w.LinkedAccountID, &w.Frozen, &w.FrozenReason, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Role = Role(role)
	return &w, nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var typ, status string
	err := row.Scan(&t.ID, &t.WalletID, &typ, &t.Amount, &t.Fee, &t.NetAmount, &status,
		&t.ReferenceID, &t.IdempotencyKey, &t.Delta.Available, &t.Delta.Pending,
		&t.Delta.Earned, &t.Delta.Withdrawn, &t.CreatedAt, &t.ProcessedAt)
	if err != nil {
		return nil, err
	}
	t.Type = TxType(typ)
	t.Status = TxStatus(status)
	return &t, nil
}

func (s *PGStore) GetOrCreate(ctx context.Context, actorID string, role Role) (*Wallet, error) {
	if actorID == "" || !role.Valid() {
		return nil, apperr.Validation("invalid wallet owner %q/%q", actorID, role)
	}
	now := s.clock.Now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (id, actor_id, actor_role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (actor_id, actor_role) DO NOTHING`,
		uuid.New().String(), actorID, string(role), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return s.Find(ctx, actorID, role)
}

func (s *PGStore) Find(ctx context.Context, actorID string, role Role) (*Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE actor_id = $1 AND actor_role = $2`,
		actorID, string(role)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("wallet", actorID+"/"+string(role))
	}
	if err != nil {
		return nil, fmt.Errorf("find wallet: %w", err)
	}
	return w, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("wallet", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func (s *PGStore) List(ctx context.Context, role Role, limit, offset int) ([]Wallet, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+walletColumns+` FROM wallets
		 WHERE ($1 = '' OR actor_role = $1)
		 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
		string(role), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	out := []Wallet{}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *PGStore) Post(ctx context.Context, walletID string, e Entry) (*Transaction, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	w, err := scanWallet(tx.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperr.NotFound("wallet", walletID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock wallet: %w", err)
	}

	prior, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE wallet_id = $1 AND idempotency_key = $2`,
		walletID, e.Key))
	switch {
	case err == nil:
		return prior, true, tx.Commit(ctx)
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}

	if err := applyEntry(w, e); err != nil {
		return nil, false, err
	}
	now := s.clock.Now()
	t := newTransaction(uuid.New().String(), walletID, e, now)

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_transactions (`+txColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.WalletID, string(t.Type), t.Amount, t.Fee, t.NetAmount, string(t.Status),
		t.ReferenceID, t.IdempotencyKey, t.Delta.Available, t.Delta.Pending,
		t.Delta.Earned, t.Delta.Withdrawn, t.CreatedAt, t.ProcessedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert transaction: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallets SET available_balance = $1, pending_balance = $2, total_earned = $3,
		 total_withdrawn = $4, updated_at = $5 WHERE id = $6`,
		w.Available, w.Pending, w.Earned, w.Withdrawn, now, walletID)
	if err != nil {
		return nil, false, fmt.Errorf("update wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit posting: %w", err)
	}
	return &t, false, nil
}

func (s *PGStore) Transactions(ctx context.Context, walletID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE wallet_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PGStore) Snapshot(ctx context.Context, walletID string) (*Wallet, Delta, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, Delta{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	w, err := scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Delta{}, apperr.NotFound("wallet", walletID)
	}
	if err != nil {
		return nil, Delta{}, fmt.Errorf("get wallet: %w", err)
	}

	var d Delta
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(available_delta), 0), COALESCE(SUM(pending_delta), 0),
		        COALESCE(SUM(earned_delta), 0), COALESCE(SUM(withdrawn_delta), 0)
		 FROM ledger_transactions WHERE wallet_id = $1 AND status = 'completed'`,
		walletID).Scan(&d.Available, &d.Pending, &d.Earned, &d.Withdrawn)
	if err != nil {
		return nil, Delta{}, fmt.Errorf("sum deltas: %w", err)
	}
	return w, d, tx.Commit(ctx)
}

func (s *PGStore) Freeze(ctx context.Context, walletID, reason string) error {
	res, err := s.pool.Exec(ctx,
		`UPDATE wallets SET frozen = TRUE, frozen_reason = $1, updated_at = $2 WHERE id = $3`,
		reason, s.clock.Now(), walletID)
	if err != nil {
		return fmt.Errorf("freeze wallet: %w", err)
	}
	if res.RowsAffected() == 0 {
		return apperr.NotFound("wallet", walletID)
	}
	return nil
}

func (s *PGStore) SetLinkedAccount(ctx context.Context, walletID, accountID string) error {
	res, err := s.pool.Exec(ctx,
		`UPDATE wallets SET linked_account_id = $1, updated_at = $2 WHERE id = $3`,
		accountID, s.clock.Now(), walletID)
	if err != nil {
		return fmt.Errorf("link account: %w", err)
	}
	if res.RowsAffected() == 0 {
		return apperr.NotFound("wallet", walletID)
	}
	return nil
}

func (s *PGStore) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE frozen),
		        COALESCE(SUM(available_balance), 0), COALESCE(SUM(pending_balance), 0),
		        COALESCE(SUM(total_earned), 0), COALESCE(SUM(total_withdrawn), 0)
		 FROM wallets`).Scan(&t.Wallets, &t.Frozen, &t.Available, &t.Pending, &t.Earned, &t.Withdrawn)
	if err != nil {
		return Totals{}, fmt.Errorf("wallet totals: %w", err)
	}
	return t, nil
}
