package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/clock"
	"github.com/sudo-init-do/settlement/internal/escrow"
	"github.com/sudo-init-do/settlement/internal/middleware"
	"github.com/sudo-init-do/settlement/internal/payout"
	"github.com/sudo-init-do/settlement/internal/wallet"
)

// skewedStore reports a ledger sum that disagrees with the wallet row.
type skewedStore struct {
	wallet.Store
	skew map[string]bool
}

func (s *skewedStore) Snapshot(ctx context.Context, walletID string) (*wallet.Wallet, wallet.Delta, error) {
	w, sum, err := s.Store.Snapshot(ctx, walletID)
	if err == nil && s.skew[walletID] {
		sum.Available--
	}
	return w, sum, err
}

type counts struct{}

func (counts) Counts(context.Context) (map[escrow.HoldStatus]int64, error) {
	return map[escrow.HoldStatus]int64{escrow.StatusHeld: 2}, nil
}

type payoutCounts struct{}

func (payoutCounts) Counts(context.Context) (map[payout.Status]int64, error) {
	return map[payout.Status]int64{payout.StatusProcessing: 1}, nil
}

func setup(t *testing.T) (*echo.Echo, *wallet.Ledger, *skewedStore) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	store := &skewedStore{Store: wallet.NewMemoryStore(clk), skew: map[string]bool{}}
	ledger := wallet.NewLedger(store, zap.NewNop())

	e := echo.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(zap.NewNop())
	h := &Handler{Ledger: ledger, Escrow: counts{}, Payouts: payoutCounts{}}
	h.Register(e.Group("/admin"))
	return e, ledger, store
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStats(t *testing.T) {
	e, ledger, _ := setup(t)
	ctx := context.Background()
	w, err := ledger.GetOrCreate(ctx, "vendor-1", wallet.RoleVendor)
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, w.ID, 2500, wallet.TxAdjustment, "seed", "seed")
	require.NoError(t, err)

	rec := serve(e, http.MethodGet, "/admin/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Wallets wallet.Totals               `json:"wallets"`
		Escrow  map[escrow.HoldStatus]int64 `json:"escrow"`
		Payouts map[payout.Status]int64     `json:"payouts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(2500), body.Wallets.Available)
	assert.Equal(t, int64(2), body.Escrow[escrow.StatusHeld])
	assert.Equal(t, int64(1), body.Payouts[payout.StatusProcessing])
}

func TestListWallets(t *testing.T) {
	e, ledger, _ := setup(t)
	ctx := context.Background()
	_, err := ledger.GetOrCreate(ctx, "vendor-1", wallet.RoleVendor)
	require.NoError(t, err)
	_, err = ledger.GetOrCreate(ctx, "rider-1", wallet.RoleRider)
	require.NoError(t, err)

	rec := serve(e, http.MethodGet, "/admin/wallets?role=rider")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Wallets []wallet.Wallet `json:"wallets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Wallets, 1)
	assert.Equal(t, "rider-1", body.Wallets[0].ActorID)

	assert.Equal(t, http.StatusBadRequest, serve(e, http.MethodGet, "/admin/wallets?offset=-1").Code)
	assert.Equal(t, http.StatusBadRequest, serve(e, http.MethodGet, "/admin/wallets?limit=abc").Code)
}

func TestAuditWallet(t *testing.T) {
	e, ledger, store := setup(t)
	ctx := context.Background()
	good, err := ledger.GetOrCreate(ctx, "vendor-1", wallet.RoleVendor)
	require.NoError(t, err)
	bad, err := ledger.GetOrCreate(ctx, "vendor-2", wallet.RoleVendor)
	require.NoError(t, err)
	store.skew[bad.ID] = true

	rec := serve(e, http.MethodPost, "/admin/wallets/"+good.ID+"/audit")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(e, http.MethodPost, "/admin/wallets/"+bad.ID+"/audit")
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Contains(t, rec.Body.String(), "irrecoverable_mismatch")

	frozen, err := ledger.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.True(t, frozen.Frozen)

	assert.Equal(t, http.StatusNotFound, serve(e, http.MethodPost, "/admin/wallets/missing/audit").Code)
}
