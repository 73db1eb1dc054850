package vaccount

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusUnavailable Status = "unavailable"
)

// Link ties a wallet to the provider account customers pay into.
type Link struct {
	WalletID          string    `json:"wallet_id"`
	Provider          string    `json:"provider"`
	ProviderAccountID string    `json:"provider_account_id,omitempty"`
	AccountNumber     string    `json:"account_number,omitempty"`
	BankName          string    `json:"bank_name,omitempty"`
	BankCode          string    `json:"bank_code,omitempty"`
	Status            Status    `json:"status"`
	LastError         string    `json:"last_error,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Store interface {
	Get(ctx context.Context, walletID string) (*Link, error)
	// Upsert writes l unless the wallet already has an active link, and
	// returns the link as stored.
	Upsert(ctx context.Context, l Link) (*Link, error)
}

type MemoryStore struct {
	mu    sync.Mutex
	links map[string]Link
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: make(map[string]Link)}
}

func (s *MemoryStore) Get(_ context.Context, walletID string) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[walletID]
	if !ok {
		return nil, apperr.NotFound("virtual account link", walletID)
	}
	return &l, nil
}

func (s *MemoryStore) Upsert(_ context.Context, l Link) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.links[l.WalletID]; ok && existing.Status == StatusActive {
		return &existing, nil
	}
	s.links[l.WalletID] = l
	return &l, nil
}

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Get(ctx context.Context, walletID string) (*Link, error) {
	var l Link
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT wallet_id, provider, provider_account_id, account_number, bank_name, bank_code,
		        status, last_error, updated_at
		 FROM virtual_account_links WHERE wallet_id = $1`, walletID).
		Scan(&l.WalletID, &l.Provider, &l.ProviderAccountID, &l.AccountNumber, &l.BankName, &l.BankCode,
			&status, &l.LastError, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("virtual account link", walletID)
	}
	if err != nil {
		return nil, fmt.Errorf("get virtual account link: %w", err)
	}
	l.Status = Status(status)
	return &l, nil
}

func (s *PGStore) Upsert(ctx context.Context, l Link) (*Link, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO virtual_account_links
		   (wallet_id, provider, provider_account_id, account_number, bank_name, bank_code, status, last_error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (wallet_id) DO UPDATE SET
		   provider = EXCLUDED.provider,
		   provider_account_id = EXCLUDED.provider_account_id,
		   account_number = EXCLUDED.account_number,
		   bank_name = EXCLUDED.bank_name,
		   bank_code = EXCLUDED.bank_code,
		   status = EXCLUDED.status,
		   last_error = EXCLUDED.last_error,
		   updated_at = EXCLUDED.updated_at
		 WHERE virtual_account_links.status <> 'active'`,
		l.WalletID, l.Provider, l.ProviderAccountID, l.AccountNumber, l.BankName, l.BankCode,
		string(l.Status), l.LastError, l.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert virtual account link: %w", err)
	}
	return s.Get(ctx, l.WalletID)
}
