package payout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

type Store interface {
	// CreateBankAccount stores a verified account, returning the existing row
	// when the wallet already registered the same number and bank.
	CreateBankAccount(ctx context.Context, a BankAccount) (*BankAccount, error)
	GetBankAccount(ctx context.Context, id string) (*BankAccount, error)
	ListBankAccounts(ctx context.Context, walletID string) ([]BankAccount, error)

	Create(ctx context.Context, r Request) error
	Get(ctx context.Context, id string) (*Request, error)
	GetByReference(ctx context.Context, reference string) (*Request, error)
	// MarkProcessing records a submission on a payout that is not terminal.
	MarkProcessing(ctx context.Context, id, provider, transferRef string, at time.Time) (*Request, error)
	// CommitOutcome sets the resolution of an open payout that has none yet
	// and returns the payout as stored afterwards.
	CommitOutcome(ctx context.Context, id string, res Resolution, reason string) (*Request, error)
	// Finish moves an open payout to a terminal status.
	Finish(ctx context.Context, id string, status Status, at time.Time) (*Request, error)
	IncrementRequery(ctx context.Context, id string) (int, error)
	ListByWallet(ctx context.Context, walletID string, limit, offset int) ([]Request, error)
	// ListOpen returns open payouts last touched before cutoff, plus any with
	// a committed resolution that has not been finished.
	ListOpen(ctx context.Context, cutoff time.Time, limit int) ([]Request, error)
	Counts(ctx context.Context) (map[Status]int64, error)
}

type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]BankAccount
	requests map[string]Request
	byRef    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]BankAccount),
		requests: make(map[string]Request),
		byRef:    make(map[string]string),
	}
}

func (s *MemoryStore) CreateBankAccount(_ context.Context, a BankAccount) (*BankAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.WalletID == a.WalletID && existing.AccountNumber == a.AccountNumber && existing.BankCode == a.BankCode {
			return &existing, nil
		}
	}
	s.accounts[a.ID] = a
	return &a, nil
}

func (s *MemoryStore) GetBankAccount(_ context.Context, id string) (*BankAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, apperr.NotFound("bank account", id)
	}
	return &a, nil
}

func (s *MemoryStore) ListBankAccounts(_ context.Context, walletID string) ([]BankAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []BankAccount{}
	for _, a := range s.accounts {
		if a.WalletID == walletID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return apperr.Validation("payout %s already exists", r.ID)
	}
	s.requests[r.ID] = r
	s.byRef[r.Reference] = r.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *MemoryStore) get(id string) (*Request, error) {
	r, ok := s.requests[id]
	if !ok {
		return nil, apperr.NotFound("payout", id)
	}
	return &r, nil
}

func (s *MemoryStore) GetByReference(_ context.Context, reference string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[reference]
	if !ok {
		return nil, apperr.NotFound("payout", reference)
	}
	return s.get(id)
}

func (s *MemoryStore) update(id string, fn func(r *Request)) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return nil, err
	}
	fn(r)
	s.requests[id] = *r
	return r, nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, id, provider, transferRef string, at time.Time) (*Request, error) {
	return s.update(id, func(r *Request) {
		if r.Status.Terminal() {
			return
		}
		r.Status = StatusProcessing
		r.Provider = provider
		if transferRef != "" {
			r.TransferReference = transferRef
		}
		r.SubmittedAt = &at
	})
}

func (s *MemoryStore) CommitOutcome(_ context.Context, id string, res Resolution, reason string) (*Request, error) {
	return s.update(id, func(r *Request) {
		if r.Status.Terminal() || r.Resolution != ResolutionNone {
			return
		}
		r.Resolution = res
		r.FailureReason = reason
	})
}

func (s *MemoryStore) Finish(_ context.Context, id string, status Status, at time.Time) (*Request, error) {
	return s.update(id, func(r *Request) {
		if r.Status.Terminal() {
			return
		}
		r.Status = status
		r.ProcessedAt = &at
	})
}

func (s *MemoryStore) IncrementRequery(_ context.Context, id string) (int, error) {
	r, err := s.update(id, func(r *Request) { r.RequeryAttempts++ })
	if err != nil {
		return 0, err
	}
	return r.RequeryAttempts, nil
}

func (s *MemoryStore) ListByWallet(_ context.Context, walletID string, limit, offset int) ([]Request, error) {
	s.mu.Lock()
	var out []Request
	for _, r := range s.requests {
		if r.WalletID == walletID {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if offset >= len(out) {
		return []Request{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListOpen(_ context.Context, cutoff time.Time, limit int) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if r.Status.Terminal() {
			continue
		}
		touched := r.RequestedAt
		if r.SubmittedAt != nil {
			touched = *r.SubmittedAt
		}
		if r.Resolution != ResolutionNone || touched.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Counts(_ context.Context) (map[Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[Status]int64{}
	for _, r := range s.requests {
		out[r.Status]++
	}
	return out, nil
}
