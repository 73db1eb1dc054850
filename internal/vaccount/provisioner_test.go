package vaccount

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/clock"
	"github.com/sudo-init-do/settlement/internal/provider"
	"github.com/sudo-init-do/settlement/internal/retry"
	"github.com/sudo-init-do/settlement/internal/wallet"
)

type fakeAccounts struct {
	fetches  atomic.Int32
	creates  atomic.Int32
	existing *provider.VirtualAccount
	fetchErr error
	create   func() (*provider.VirtualAccount, error)
	gate     chan struct{}
}

func (f *fakeAccounts) Name() string { return "fake" }

func (f *fakeAccounts) FetchVirtualAccount(context.Context, provider.Customer) (*provider.VirtualAccount, error) {
	f.fetches.Add(1)
	return f.existing, f.fetchErr
}

func (f *fakeAccounts) CreateVirtualAccount(context.Context, provider.Customer) (*provider.VirtualAccount, error) {
	f.creates.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.create != nil {
		return f.create()
	}
	return &provider.VirtualAccount{ProviderAccountID: "DVA_1", AccountNumber: "9930000001", BankName: "Wema Bank", BankCode: "035"}, nil
}

type fixture struct {
	prov     *Provisioner
	ledger   *wallet.Ledger
	store    *MemoryStore
	accounts *fakeAccounts
	wallet   *wallet.Wallet
}

var holder = provider.Customer{Name: "Ada Obi", Email: "ada@example.com", Phone: "+2348000000000"}

func newFixture(t *testing.T, accounts *fakeAccounts) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	ledger := wallet.NewLedger(wallet.NewMemoryStore(clk), zap.NewNop())
	w, err := ledger.GetOrCreate(context.Background(), "customer-1", wallet.RoleCustomer)
	require.NoError(t, err)
	store := NewMemoryStore()
	prov := NewProvisioner(store, ledger, accounts, zap.NewNop(), Options{
		Retry: retry.Policy{Attempts: 3},
		Clock: clk,
	})
	return &fixture{prov: prov, ledger: ledger, store: store, accounts: accounts, wallet: w}
}

func TestEnsureLinkedAccountCreatesOnce(t *testing.T) {
	accounts := &fakeAccounts{gate: make(chan struct{})}
	f := newFixture(t, accounts)
	ctx := context.Background()

	var wg sync.WaitGroup
	links := make([]*Link, 10)
	errs := make([]error, 10)
	for i := range links {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			links[i], errs[i] = f.prov.EnsureLinkedAccount(ctx, f.wallet, holder)
		}(i)
	}
	// let the callers pile up behind the first create
	time.Sleep(20 * time.Millisecond)
	close(accounts.gate)
	wg.Wait()

	for i := range links {
		require.NoError(t, errs[i])
		assert.Equal(t, "9930000001", links[i].AccountNumber)
		assert.Equal(t, StatusActive, links[i].Status)
	}
	assert.Equal(t, int32(1), accounts.creates.Load())

	w, err := f.ledger.Get(ctx, f.wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, "DVA_1", w.LinkedAccountID)

	// an active link short-circuits the provider entirely
	_, err = f.prov.EnsureLinkedAccount(ctx, f.wallet, holder)
	require.NoError(t, err)
	assert.Equal(t, int32(1), accounts.fetches.Load())
}

func TestEnsureLinkedAccountReusesExisting(t *testing.T) {
	accounts := &fakeAccounts{existing: &provider.VirtualAccount{ProviderAccountID: "DVA_7", AccountNumber: "9930000007", BankName: "Titan Paystack"}}
	f := newFixture(t, accounts)

	l, err := f.prov.EnsureLinkedAccount(context.Background(), f.wallet, holder)
	require.NoError(t, err)
	assert.Equal(t, "9930000007", l.AccountNumber)
	assert.Zero(t, accounts.creates.Load())
}

func TestCapacityLeavesUnavailableLink(t *testing.T) {
	accounts := &fakeAccounts{create: func() (*provider.VirtualAccount, error) {
		return nil, errors.Join(provider.ErrCapacity, errors.New("no dedicated accounts left"))
	}}
	f := newFixture(t, accounts)
	ctx := context.Background()

	l, err := f.prov.EnsureLinkedAccount(ctx, f.wallet, holder)
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, l.Status)
	assert.Contains(t, l.LastError, "capacity")
	assert.Equal(t, int32(1), accounts.creates.Load())

	w, err := f.ledger.Get(ctx, f.wallet.ID)
	require.NoError(t, err)
	assert.Empty(t, w.LinkedAccountID)

	// provider recovers; a retry replaces the unavailable link
	accounts.create = nil
	l, err = f.prov.EnsureLinkedAccount(ctx, f.wallet, holder)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, l.Status)
	stored, err := f.prov.Get(ctx, f.wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
}

func TestTransientFailuresExhaustToUnavailable(t *testing.T) {
	accounts := &fakeAccounts{fetchErr: apperr.Unavailable("fake", errors.New("502 bad gateway"))}
	f := newFixture(t, accounts)

	l, err := f.prov.EnsureLinkedAccount(context.Background(), f.wallet, holder)
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, l.Status)
	assert.Equal(t, int32(3), accounts.fetches.Load())
	assert.Zero(t, accounts.creates.Load())
}

func TestEnsureLinkedAccountErrors(t *testing.T) {
	accounts := &fakeAccounts{create: func() (*provider.VirtualAccount, error) {
		return nil, provider.ErrRejected
	}}
	f := newFixture(t, accounts)
	ctx := context.Background()

	_, err := f.prov.EnsureLinkedAccount(ctx, f.wallet, provider.Customer{Name: "No Email"})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.prov.Get(ctx, f.wallet.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRejectionLeavesUnavailableLink(t *testing.T) {
	accounts := &fakeAccounts{create: func() (*provider.VirtualAccount, error) {
		return nil, fmt.Errorf("%w: customer not eligible for dedicated account", provider.ErrRejected)
	}}
	f := newFixture(t, accounts)
	ctx := context.Background()

	link, err := f.prov.EnsureLinkedAccount(ctx, f.wallet, holder)
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, link.Status)
	assert.Contains(t, link.LastError, "not eligible")

	stored, err := f.prov.Get(ctx, f.wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, stored.Status)

	w, err := f.ledger.Get(ctx, f.wallet.ID)
	require.NoError(t, err)
	assert.Empty(t, w.LinkedAccountID)
}

func TestMemoryStoreKeepsActiveLink(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Upsert(ctx, Link{WalletID: "w1", Provider: "paystack", AccountNumber: "1", Status: StatusActive})
	require.NoError(t, err)
	got, err := s.Upsert(ctx, Link{WalletID: "w1", Provider: "paystack", Status: StatusUnavailable, LastError: "boom"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, "1", got.AccountNumber)
}
