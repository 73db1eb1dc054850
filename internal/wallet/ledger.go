package wallet

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/clock"
	"github.com/sudo-init-do/settlement/internal/events"
	"github.com/sudo-init-do/settlement/internal/metrics"
)

// Alerter delivers operator alerts for conditions that need a human.
type Alerter interface {
	AdminAlert(ctx context.Context, severity, message string) error
}

// Ledger is the only path through which balances change. Each method is one
// atomic posting keyed by an idempotency key unique per wallet.
type Ledger struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	alerter Alerter
	events  events.Publisher
	clock   clock.Clock
}

type Option func(*Ledger)

func WithAlerter(a Alerter) Option            { return func(l *Ledger) { l.alerter = a } }
func WithMetrics(m *metrics.Metrics) Option   { return func(l *Ledger) { l.metrics = m } }
func WithPublisher(p events.Publisher) Option { return func(l *Ledger) { l.events = p } }
func WithClock(c clock.Clock) Option          { return func(l *Ledger) { l.clock = c } }

func NewLedger(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: logger,
		events: events.Nop{},
		clock:  clock.RealClock{},
	}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

func (l *Ledger) Store() Store { return l.store }

// PostOption adjusts a single posting.
type PostOption func(*Entry)

// WithFee records the fee portion of a posting; the balance movement is
// unchanged and net_amount becomes amount - fee.
func WithFee(fee int64) PostOption {
	return func(e *Entry) { e.Fee = fee }
}

func (l *Ledger) post(ctx context.Context, walletID string, e Entry, opts []PostOption) (*Transaction, error) {
	if e.Status == "" {
		e.Status = StatusCompleted
	}
	for _, o := range opts {
		o(&e)
	}
	t, replayed, err := l.store.Post(ctx, walletID, e)
	if err != nil {
		l.metrics.LedgerPosting(string(e.Type), apperr.Code(err))
		if errors.Is(err, apperr.ErrIrrecoverableMismatch) {
			l.logger.Error("posting to frozen wallet", zap.String("wallet_id", walletID), zap.String("key", e.Key))
		}
		return nil, err
	}
	if replayed {
		l.metrics.LedgerPosting(string(e.Type), "replayed")
		l.logger.Debug("ledger posting replayed",
			zap.String("wallet_id", walletID), zap.String("key", e.Key), zap.String("tx_id", t.ID))
		t.Replayed = true
		return t, nil
	}
	l.metrics.LedgerPosting(string(e.Type), "ok")
	l.logger.Info("ledger posting",
		zap.String("wallet_id", walletID),
		zap.String("type", string(e.Type)),
		zap.Int64("amount", e.Amount),
		zap.String("status", string(t.Status)),
		zap.String("reference_id", e.ReferenceID),
		zap.String("key", e.Key),
	)
	return t, nil
}

// Credit adds to available and total earned.
func (l *Ledger) Credit(ctx context.Context, walletID string, amount int64, typ TxType, referenceID, key string, opts ...PostOption) (*Transaction, error) {
	return l.post(ctx, walletID, Entry{
		Type: typ, Amount: amount, ReferenceID: referenceID, Key: key,
		Delta: Delta{Available: amount, Earned: amount},
	}, opts)
}

// Debit removes from available and adds to total withdrawn.
func (l *Ledger) Debit(ctx context.Context, walletID string, amount int64, typ TxType, referenceID, key string, opts ...PostOption) (*Transaction, error) {
	return l.post(ctx, walletID, Entry{
		Type: typ, Amount: amount, ReferenceID: referenceID, Key: key,
		Delta: Delta{Available: -amount, Withdrawn: amount},
	}, opts)
}

// MoveToPending reserves available funds.
func (l *Ledger) MoveToPending(ctx context.Context, walletID string, amount int64, typ TxType, referenceID, key string, opts ...PostOption) (*Transaction, error) {
	return l.post(ctx, walletID, Entry{
		Type: typ, Amount: amount, ReferenceID: referenceID, Key: key,
		Delta: Delta{Available: -amount, Pending: amount},
	}, opts)
}

// ReleasePending returns reserved funds to available.
func (l *Ledger) ReleasePending(ctx context.Context, walletID string, amount int64, typ TxType, referenceID, key string, opts ...PostOption) (*Transaction, error) {
	return l.post(ctx, walletID, Entry{
		Type: typ, Amount: amount, ReferenceID: referenceID, Key: key,
		Delta: Delta{Pending: -amount, Available: amount},
	}, opts)
}

// CreditPending takes funds in straight to pending, as escrow intake does.
func (l *Ledger) CreditPending(ctx context.Context, walletID string, amount int64, typ TxType, referenceID, key string, opts ...PostOption) (*Transaction, error) {
	return l.post(ctx, walletID, Entry{
		Type: typ, Amount: amount, ReferenceID: referenceID, Key: key,
		Delta: Delta{Pending: amount, Earned: amount},
	}, opts)
}

// SettlePending pays reserved funds out of the wallet.
func (l *Ledger) SettlePending(ctx context.Context, walletID string, amount int64, typ TxType, referenceID, key string, opts ...PostOption) (*Transaction, error) {
	return l.post(ctx, walletID, Entry{
		Type: typ, Amount: amount, ReferenceID: referenceID, Key: key,
		Delta: Delta{Pending: -amount, Withdrawn: amount},
	}, opts)
}

// Record writes a failed row that moves no balance, for audit of terminal failures.
func (l *Ledger) Record(ctx context.Context, walletID string, amount int64, typ TxType, referenceID, key string, opts ...PostOption) (*Transaction, error) {
	return l.post(ctx, walletID, Entry{
		Type: typ, Amount: amount, ReferenceID: referenceID, Key: key,
		Status: StatusFailed,
	}, opts)
}

func (l *Ledger) Get(ctx context.Context, id string) (*Wallet, error) {
	return l.store.Get(ctx, id)
}

func (l *Ledger) GetOrCreate(ctx context.Context, actorID string, role Role) (*Wallet, error) {
	return l.store.GetOrCreate(ctx, actorID, role)
}

func (l *Ledger) Find(ctx context.Context, actorID string, role Role) (*Wallet, error) {
	return l.store.Find(ctx, actorID, role)
}

func (l *Ledger) List(ctx context.Context, role Role, limit, offset int) ([]Wallet, error) {
	return l.store.List(ctx, role, limit, offset)
}

func (l *Ledger) Transactions(ctx context.Context, walletID string, limit, offset int) ([]Transaction, error) {
	if _, err := l.store.Get(ctx, walletID); err != nil {
		return nil, err
	}
	return l.store.Transactions(ctx, walletID, limit, offset)
}

func (l *Ledger) SetLinkedAccount(ctx context.Context, walletID, accountID string) error {
	return l.store.SetLinkedAccount(ctx, walletID, accountID)
}

func (l *Ledger) Totals(ctx context.Context) (Totals, error) {
	return l.store.Totals(ctx)
}

// EscrowWallet returns the holding wallet of one order. Holds for different
// orders never contend on the same wallet.
func (l *Ledger) EscrowWallet(ctx context.Context, orderID string) (*Wallet, error) {
	return l.store.GetOrCreate(ctx, orderID, RoleEscrow)
}

// PlatformWallet returns the fee revenue wallet.
func (l *Ledger) PlatformWallet(ctx context.Context) (*Wallet, error) {
	return l.store.GetOrCreate(ctx, PlatformActorID, RolePlatform)
}

type AuditReport struct {
	WalletID   string `json:"wallet_id"`
	Balances   Delta  `json:"balances"`
	Ledger     Delta  `json:"ledger"`
	Consistent bool   `json:"consistent"`
	Frozen     bool   `json:"frozen"`
}

// Audit recomputes the wallet from its completed transactions. A wallet
// whose row disagrees with its ledger, or breaks the balance invariant, is
// frozen and reported; the returned error wraps ErrIrrecoverableMismatch.
func (l *Ledger) Audit(ctx context.Context, walletID string) (*AuditReport, error) {
	w, sum, err := l.store.Snapshot(ctx, walletID)
	if err != nil {
		return nil, err
	}
	rep := &AuditReport{
		WalletID:   w.ID,
		Balances:   w.Buckets(),
		Ledger:     sum,
		Consistent: w.Consistent() && w.Buckets() == sum,
		Frozen:     w.Frozen,
	}
	if rep.Consistent {
		return rep, nil
	}
	if w.Frozen {
		return rep, fmt.Errorf("%w: wallet %s", apperr.ErrIrrecoverableMismatch, w.ID)
	}

	reason := fmt.Sprintf("balances %+v disagree with ledger %+v", rep.Balances, rep.Ledger)
	if err := l.store.Freeze(ctx, w.ID, reason); err != nil {
		return rep, fmt.Errorf("freeze wallet %s: %w", w.ID, err)
	}
	rep.Frozen = true
	l.metrics.WalletFrozen()
	l.logger.Error("wallet frozen after audit", zap.String("wallet_id", w.ID), zap.String("reason", reason))

	if l.alerter != nil {
		msg := fmt.Sprintf("wallet %s (%s/%s) frozen: %s", w.ID, w.ActorID, w.Role, reason)
		if err := l.alerter.AdminAlert(ctx, "critical", msg); err != nil {
			l.logger.Warn("admin alert failed", zap.String("wallet_id", w.ID), zap.Error(err))
		}
	}
	if err := l.events.Publish(ctx, events.Event{
		Type:       events.WalletFrozen,
		WalletID:   w.ID,
		Reason:     reason,
		OccurredAt: l.clock.Now(),
	}); err != nil {
		l.logger.Warn("publish event failed", zap.String("type", events.WalletFrozen), zap.Error(err))
	}
	return rep, fmt.Errorf("%w: wallet %s", apperr.ErrIrrecoverableMismatch, w.ID)
}
