package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

const requestColumns = `id, reference, wallet_id, bank_account_id, amount, fee, net_amount, status, resolution,
	provider, transfer_reference, failure_reason, requery_attempts, requested_at, submitted_at, processed_at`

const accountColumns = `id, wallet_id, account_number, bank_code, account_name, recipient_code, verified, created_at`

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var status, res string
	err := row.Scan(&r.ID, &r.Reference, &r.WalletID, &r.BankAccountID, &r.Amount, &r.Fee, &r.NetAmount,
		&status, &res, &r.Provider, &r.TransferReference, &r.FailureReason, &r.RequeryAttempts,
		&r.RequestedAt, &r.SubmittedAt, &r.ProcessedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Resolution = Resolution(res)
	return &r, nil
}

func scanAccount(row pgx.Row) (*BankAccount, error) {
	var a BankAccount
	err := row.Scan(&a.ID, &a.WalletID, &a.AccountNumber, &a.BankCode, &a.AccountName, &a.RecipientCode, &a.Verified, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PGStore) CreateBankAccount(ctx context.Context, a BankAccount) (*BankAccount, error) {
	stored, err := scanAccount(s.pool.QueryRow(ctx,
		`INSERT INTO bank_accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (wallet_id, account_number, bank_code)
		 DO UPDATE SET account_name = EXCLUDED.account_name, recipient_code = EXCLUDED.recipient_code,
		               verified = EXCLUDED.verified
		 RETURNING `+accountColumns,
		a.ID, a.WalletID, a.AccountNumber, a.BankCode, a.AccountName, a.RecipientCode, a.Verified, a.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create bank account: %w", err)
	}
	return stored, nil
}

func (s *PGStore) GetBankAccount(ctx context.Context, id string) (*BankAccount, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM bank_accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("bank account", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bank account: %w", err)
	}
	return a, nil
}

func (s *PGStore) ListBankAccounts(ctx context.Context, walletID string) ([]BankAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM bank_accounts WHERE wallet_id = $1 ORDER BY created_at`, walletID)
	if err != nil {
		return nil, fmt.Errorf("list bank accounts: %w", err)
	}
	defer rows.Close()

	out := []BankAccount{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bank account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PGStore) Create(ctx context.Context, r Request) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payout_requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.Reference, r.WalletID, r.BankAccountID, r.Amount, r.Fee, r.NetAmount, string(r.Status),
		string(r.Resolution), r.Provider, r.TransferReference, r.FailureReason, r.RequeryAttempts,
		r.RequestedAt, r.SubmittedAt, r.ProcessedAt)
	if err != nil {
		return fmt.Errorf("create payout: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Request, error) {
	return s.getBy(ctx, "id", id)
}

func (s *PGStore) GetByReference(ctx context.Context, reference string) (*Request, error) {
	return s.getBy(ctx, "reference", reference)
}

func (s *PGStore) getBy(ctx context.Context, column, value string) (*Request, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM payout_requests WHERE `+column+` = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("payout", value)
	}
	if err != nil {
		return nil, fmt.Errorf("get payout: %w", err)
	}
	return r, nil
}

func (s *PGStore) MarkProcessing(ctx context.Context, id, provider, transferRef string, at time.Time) (*Request, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE payout_requests
		 SET status = 'processing', provider = $2,
		     transfer_reference = CASE WHEN $3 = '' THEN transfer_reference ELSE $3 END,
		     submitted_at = $4
		 WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, provider, transferRef, at)
	if err != nil {
		return nil, fmt.Errorf("mark payout processing: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *PGStore) CommitOutcome(ctx context.Context, id string, res Resolution, reason string) (*Request, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE payout_requests SET resolution = $2, failure_reason = $3
		 WHERE id = $1 AND status IN ('pending', 'processing') AND resolution = ''`,
		id, string(res), reason)
	if err != nil {
		return nil, fmt.Errorf("commit payout outcome: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *PGStore) Finish(ctx context.Context, id string, status Status, at time.Time) (*Request, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE payout_requests SET status = $2, processed_at = $3
		 WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, string(status), at)
	if err != nil {
		return nil, fmt.Errorf("finish payout: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *PGStore) IncrementRequery(ctx context.Context, id string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`UPDATE payout_requests SET requery_attempts = requery_attempts + 1 WHERE id = $1 RETURNING requery_attempts`,
		id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound("payout", id)
	}
	if err != nil {
		return 0, fmt.Errorf("increment requery: %w", err)
	}
	return n, nil
}

func (s *PGStore) list(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer rows.Close()

	out := []Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PGStore) ListByWallet(ctx context.Context, walletID string, limit, offset int) ([]Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx,
		`SELECT `+requestColumns+` FROM payout_requests WHERE wallet_id = $1
		 ORDER BY requested_at DESC LIMIT $2 OFFSET $3`, walletID, limit, offset)
}

func (s *PGStore) ListOpen(ctx context.Context, cutoff time.Time, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx,
		`SELECT `+requestColumns+` FROM payout_requests
		 WHERE status IN ('pending', 'processing')
		   AND (resolution <> '' OR COALESCE(submitted_at, requested_at) < $1)
		 ORDER BY requested_at LIMIT $2`, cutoff, limit)
}

func (s *PGStore) Counts(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM payout_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count payouts: %w", err)
	}
	defer rows.Close()

	out := map[Status]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}
