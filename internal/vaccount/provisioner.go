// Package vaccount provisions the dedicated bank account a wallet is funded
// through. Provisioning failures never fail the caller; the wallet is left
// with an unavailable link that can be retried later.
package vaccount

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/clock"
	"github.com/sudo-init-do/settlement/internal/metrics"
	"github.com/sudo-init-do/settlement/internal/provider"
	"github.com/sudo-init-do/settlement/internal/retry"
	"github.com/sudo-init-do/settlement/internal/wallet"
)

type Options struct {
	Retry   retry.Policy
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

type Provisioner struct {
	store    Store
	ledger   *wallet.Ledger
	accounts provider.VirtualAccountProvider
	logger   *zap.Logger
	retry    retry.Policy
	clock    clock.Clock
	metrics  *metrics.Metrics
	inflight singleflight.Group
}

func NewProvisioner(store Store, ledger *wallet.Ledger, accounts provider.VirtualAccountProvider, logger *zap.Logger, opts Options) *Provisioner {
	p := &Provisioner{
		store:    store,
		ledger:   ledger,
		accounts: accounts,
		logger:   logger,
		retry:    opts.Retry,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.clock == nil {
		p.clock = clock.RealClock{}
	}
	return p
}

func (p *Provisioner) Get(ctx context.Context, walletID string) (*Link, error) {
	return p.store.Get(ctx, walletID)
}

// EnsureLinkedAccount returns the wallet's active link, provisioning one if
// needed. Concurrent calls for one wallet share a single provider round trip.
// Provider failures of any kind come back as an unavailable link, carrying
// the last error, with a nil error.
func (p *Provisioner) EnsureLinkedAccount(ctx context.Context, w *wallet.Wallet, holder provider.Customer) (*Link, error) {
	if l, err := p.store.Get(ctx, w.ID); err == nil && l.Status == StatusActive {
		return l, nil
	} else if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if holder.Email == "" {
		return nil, apperr.Validation("email is required to provision a virtual account")
	}
	if holder.Reference == "" {
		holder.Reference = w.ID
	}

	// the shared call outlives any single caller
	shared := context.WithoutCancel(ctx)
	ch := p.inflight.DoChan(w.ID, func() (any, error) {
		return p.provision(shared, w, holder)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Link), nil
	}
}

func (p *Provisioner) provision(ctx context.Context, w *wallet.Wallet, holder provider.Customer) (*Link, error) {
	if l, err := p.store.Get(ctx, w.ID); err == nil && l.Status == StatusActive {
		return l, nil
	}

	va, err := p.call(ctx, "fetch_virtual_account", func(ctx context.Context) (*provider.VirtualAccount, error) {
		return p.accounts.FetchVirtualAccount(ctx, holder)
	})
	if err == nil && va == nil {
		va, err = p.call(ctx, "create_virtual_account", func(ctx context.Context) (*provider.VirtualAccount, error) {
			return p.accounts.CreateVirtualAccount(ctx, holder)
		})
	}
	if err != nil {
		p.logger.Warn("virtual account unavailable",
			zap.String("wallet_id", w.ID),
			zap.String("provider", p.accounts.Name()),
			zap.Error(err),
		)
		p.metrics.VirtualAccount(string(StatusUnavailable))
		return p.store.Upsert(ctx, Link{
			WalletID:  w.ID,
			Provider:  p.accounts.Name(),
			Status:    StatusUnavailable,
			LastError: err.Error(),
			UpdatedAt: p.clock.Now(),
		})
	}

	link, err := p.store.Upsert(ctx, Link{
		WalletID:          w.ID,
		Provider:          p.accounts.Name(),
		ProviderAccountID: va.ProviderAccountID,
		AccountNumber:     va.AccountNumber,
		BankName:          va.BankName,
		BankCode:          va.BankCode,
		Status:            StatusActive,
		UpdatedAt:         p.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	linkedID := link.ProviderAccountID
	if linkedID == "" {
		linkedID = link.AccountNumber
	}
	if err := p.ledger.SetLinkedAccount(ctx, w.ID, linkedID); err != nil {
		return nil, err
	}
	p.metrics.VirtualAccount(string(StatusActive))
	p.logger.Info("virtual account linked",
		zap.String("wallet_id", w.ID),
		zap.String("provider", link.Provider),
		zap.String("account_number", link.AccountNumber),
		zap.String("bank_name", link.BankName),
	)
	return link, nil
}

func (p *Provisioner) call(ctx context.Context, op string, fn func(ctx context.Context) (*provider.VirtualAccount, error)) (*provider.VirtualAccount, error) {
	var va *provider.VirtualAccount
	start := time.Now()
	err := retry.Do(ctx, p.retry, func(ctx context.Context) error {
		var err error
		va, err = fn(ctx)
		return err
	})
	result := "ok"
	switch {
	case errors.Is(err, provider.ErrCapacity):
		result = "capacity"
	case err != nil:
		result = apperr.Code(err)
	}
	p.metrics.ProviderCall(p.accounts.Name(), op, result)
	p.logger.Debug("virtual account provider call",
		zap.String("op", op), zap.String("result", result), zap.Duration("took", time.Since(start)))
	return va, err
}
