package wallet

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/clock"
)

// Store persists wallets and their ledger. Post is atomic per wallet: the
// transaction row and the balance update land together or not at all, and a
// repeated (wallet, key) pair returns the prior transaction with replayed set.
type Store interface {
	GetOrCreate(ctx context.Context, actorID string, role Role) (*Wallet, error)
	Find(ctx context.Context, actorID string, role Role) (*Wallet, error)
	Get(ctx context.Context, id string) (*Wallet, error)
	List(ctx context.Context, role Role, limit, offset int) ([]Wallet, error)
	Post(ctx context.Context, walletID string, e Entry) (tx *Transaction, replayed bool, err error)
	Transactions(ctx context.Context, walletID string, limit, offset int) ([]Transaction, error)
	// Snapshot returns the wallet row and the summed deltas of its completed
	// transactions, read consistently.
	Snapshot(ctx context.Context, walletID string) (*Wallet, Delta, error)
	Freeze(ctx context.Context, walletID, reason string) error
	SetLinkedAccount(ctx context.Context, walletID, accountID string) error
	Totals(ctx context.Context) (Totals, error)
}

type actorKey struct {
	actorID string
	role    Role
}

type memWallet struct {
	mu   sync.Mutex
	w    Wallet
	txs  []Transaction
	keys map[string]int
}

// MemoryStore keeps wallets in process memory. The store mutex only guards
// the lookup maps; postings serialize on the per-wallet mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*memWallet
	byActor map[actorKey]string
	clock   clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryStore{
		wallets: make(map[string]*memWallet),
		byActor: make(map[actorKey]string),
		clock:   clk,
	}
}

func (s *MemoryStore) lookup(id string) (*memWallet, error) {
	s.mu.RLock()
	mw, ok := s.wallets[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("wallet", id)
	}
	return mw, nil
}

func (s *MemoryStore) GetOrCreate(_ context.Context, actorID string, role Role) (*Wallet, error) {
	if actorID == "" || !role.Valid() {
		return nil, apperr.Validation("invalid wallet owner %q/%q", actorID, role)
	}
	s.mu.Lock()
	key := actorKey{actorID, role}
	if id, ok := s.byActor[key]; ok {
		mw := s.wallets[id]
		s.mu.Unlock()
		return mw.snapshot(), nil
	}
	now := s.clock.Now()
	mw := &memWallet{
		w: Wallet{
			ID:        uuid.New().String(),
			ActorID:   actorID,
			Role:      role,
			CreatedAt: now,
			UpdatedAt: now,
		},
		keys: make(map[string]int),
	}
	s.wallets[mw.w.ID] = mw
	s.byActor[key] = mw.w.ID
	s.mu.Unlock()
	return mw.snapshot(), nil
}

func (s *MemoryStore) Find(_ context.Context, actorID string, role Role) (*Wallet, error) {
	s.mu.RLock()
	id, ok := s.byActor[actorKey{actorID, role}]
	var mw *memWallet
	if ok {
		mw = s.wallets[id]
	}
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("wallet", actorID+"/"+string(role))
	}
	return mw.snapshot(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Wallet, error) {
	mw, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return mw.snapshot(), nil
}

func (s *MemoryStore) List(_ context.Context, role Role, limit, offset int) ([]Wallet, error) {
	s.mu.RLock()
	all := make([]*memWallet, 0, len(s.wallets))
	for _, mw := range s.wallets {
		all = append(all, mw)
	}
	s.mu.RUnlock()

	out := make([]Wallet, 0, len(all))
	for _, mw := range all {
		w := mw.snapshot()
		if role != "" && w.Role != role {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, limit, offset), nil
}

func (s *MemoryStore) Post(ctx context.Context, walletID string, e Entry) (*Transaction, bool, error) {
	mw, err := s.lookup(walletID)
	if err != nil {
		return nil, false, err
	}
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if i, ok := mw.keys[e.Key]; ok && e.Key != "" {
		prior := mw.txs[i]
		return &prior, true, nil
	}

	next := mw.w
	if err := applyEntry(&next, e); err != nil {
		return nil, false, err
	}
	now := s.clock.Now()
	next.UpdatedAt = now
	t := newTransaction(uuid.New().String(), walletID, e, now)

	mw.w = next
	mw.keys[e.Key] = len(mw.txs)
	mw.txs = append(mw.txs, t)
	return &t, false, nil
}

func (s *MemoryStore) Transactions(_ context.Context, walletID string, limit, offset int) ([]Transaction, error) {
	mw, err := s.lookup(walletID)
	if err != nil {
		return nil, err
	}
	mw.mu.Lock()
	out := make([]Transaction, len(mw.txs))
	for i := range mw.txs {
		// newest first
		out[len(mw.txs)-1-i] = mw.txs[i]
	}
	mw.mu.Unlock()
	return page(out, limit, offset), nil
}

func (s *MemoryStore) Snapshot(_ context.Context, walletID string) (*Wallet, Delta, error) {
	mw, err := s.lookup(walletID)
	if err != nil {
		return nil, Delta{}, err
	}
	mw.mu.Lock()
	defer mw.mu.Unlock()
	var sum Delta
	for _, t := range mw.txs {
		if t.Status == StatusCompleted {
			sum = sum.Add(t.Delta)
		}
	}
	w := mw.w
	return &w, sum, nil
}

func (s *MemoryStore) Freeze(_ context.Context, walletID, reason string) error {
	mw, err := s.lookup(walletID)
	if err != nil {
		return err
	}
	mw.mu.Lock()
	mw.w.Frozen = true
	mw.w.FrozenReason = reason
	mw.w.UpdatedAt = s.clock.Now()
	mw.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetLinkedAccount(_ context.Context, walletID, accountID string) error {
	mw, err := s.lookup(walletID)
	if err != nil {
		return err
	}
	mw.mu.Lock()
	mw.w.LinkedAccountID = accountID
	mw.w.UpdatedAt = s.clock.Now()
	mw.mu.Unlock()
	return nil
}

func (s *MemoryStore) Totals(_ context.Context) (Totals, error) {
	s.mu.RLock()
	all := make([]*memWallet, 0, len(s.wallets))
	for _, mw := range s.wallets {
		all = append(all, mw)
	}
	s.mu.RUnlock()

	var t Totals
	for _, mw := range all {
		w := mw.snapshot()
		t.Wallets++
		if w.Frozen {
			t.Frozen++
		}
		t.Available += w.Available
		t.Pending += w.Pending
		t.Earned += w.Earned
		t.Withdrawn += w.Withdrawn
	}
	return t, nil
}

// tamper overwrites balances without a ledger row; tests use it to
// simulate corruption.
func (s *MemoryStore) tamper(walletID string, fn func(w *Wallet)) {
	mw, err := s.lookup(walletID)
	if err != nil {
		return
	}
	mw.mu.Lock()
	fn(&mw.w)
	mw.mu.Unlock()
}

func (mw *memWallet) snapshot() *Wallet {
	mw.mu.Lock()
	w := mw.w
	mw.mu.Unlock()
	return &w
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
