package webhook

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/clock"
	"github.com/sudo-init-do/settlement/internal/escrow"
	"github.com/sudo-init-do/settlement/internal/fees"
	"github.com/sudo-init-do/settlement/internal/idempotency"
	"github.com/sudo-init-do/settlement/internal/payout"
	"github.com/sudo-init-do/settlement/internal/provider"
	"github.com/sudo-init-do/settlement/internal/provider/flutterwave"
	"github.com/sudo-init-do/settlement/internal/provider/paystack"
	"github.com/sudo-init-do/settlement/internal/wallet"
)

const (
	paystackSecret = "sk_test_secret"
	flwHash        = "flw-secret-hash"
)

type pendingTransfers struct {
	provider.TransferProvider
}

func (pendingTransfers) Name() string { return "paystack" }

func (pendingTransfers) InitiateTransfer(_ context.Context, req provider.TransferRequest) (*provider.TransferResult, error) {
	return &provider.TransferResult{Reference: req.Reference, ProviderReference: "TRF_x", Status: provider.TransferPending}, nil
}

type alerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alerts) AdminAlert(_ context.Context, _, msg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
	return nil
}

type fixture struct {
	rec         *Reconciler
	escrow      *escrow.Service
	payouts     *payout.Service
	payoutStore *payout.MemoryStore
	ledger      *wallet.Ledger
	alerts      *alerts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	ledger := wallet.NewLedger(wallet.NewMemoryStore(clk), zap.NewNop())
	esc := escrow.NewService(escrow.NewMemoryStore(), ledger, zap.NewNop(), escrow.Options{
		Split: fees.CommissionSplit(fees.Percent("10")),
		Clock: clk,
	})
	ps := payout.NewMemoryStore()
	pay := payout.NewService(ps, ledger, pendingTransfers{}, zap.NewNop(), payout.Options{Clock: clk})
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(clk), 72*time.Hour, zap.NewNop(), nil)
	al := &alerts{}
	rec := NewReconciler(guard, esc, pay, zap.NewNop(), Options{Alerter: al},
		paystack.NewWebhook(paystackSecret),
		flutterwave.NewWebhook(flwHash),
	)
	return &fixture{rec: rec, escrow: esc, payouts: pay, payoutStore: ps, ledger: ledger, alerts: al}
}

func (f *fixture) order(t *testing.T, id string, subtotal int64) {
	t.Helper()
	_, err := f.escrow.RegisterOrder(context.Background(), escrow.Order{
		ID: id, CustomerID: "cust-1", VendorID: "vendor-1", Subtotal: subtotal,
	})
	require.NoError(t, err)
}

func (f *fixture) escrowTxs(t *testing.T, orderID string) []wallet.Transaction {
	t.Helper()
	w, err := f.ledger.EscrowWallet(context.Background(), orderID)
	require.NoError(t, err)
	txs, err := f.ledger.Transactions(context.Background(), w.ID, 100, 0)
	require.NoError(t, err)
	return txs
}

func sign(body []byte) string {
	return hex.EncodeToString(paystack.Sign(paystackSecret, body))
}

func paystackCharge(event, ref, orderID string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{"event":%q,"data":{"reference":%q,"amount":%d,"status":"success","gateway_response":"Declined","metadata":{"order_id":%q}}}`,
		event, ref, amount, orderID))
}

func paystackTransfer(event, reference string) []byte {
	return []byte(fmt.Sprintf(`{"event":%q,"data":{"reference":%q,"transfer_code":"TRF_x","amount":2900,"reason":"Could not credit account"}}`,
		event, reference))
}

func TestChargeRedeliveryHoldsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "order-1", 5000)
	body := paystackCharge("charge.success", "ps_ref_1", "order-1", 5000)

	res, err := f.rec.Ingest(ctx, "paystack", body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, ActionHeld, res.Action)
	assert.False(t, res.Replayed)
	assert.Equal(t, "order-1", res.OrderID)

	for i := 0; i < 4; i++ {
		res, err := f.rec.Ingest(ctx, "Paystack", body, sign(body))
		require.NoError(t, err)
		assert.True(t, res.Replayed)
		assert.Equal(t, ActionHeld, res.Action)
	}
	assert.Len(t, f.escrowTxs(t, "order-1"), 1)

	hold, err := f.escrow.GetHold(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), hold.Gross)
	assert.Equal(t, int64(4500), hold.VendorShare)
	assert.Equal(t, int64(500), hold.PlatformFee)
	assert.Equal(t, "ps_ref_1", hold.GatewayReference)
}

func TestConcurrentRedeliveriesHoldOnce(t *testing.T) {
	f := newFixture(t)
	f.order(t, "order-2", 8000)
	body := paystackCharge("charge.success", "ps_ref_2", "order-2", 8000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.Ingest(context.Background(), "paystack", body, sign(body))
			if err != nil && !errors.Is(err, apperr.ErrOperationInFlight) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, f.escrowTxs(t, "order-2"), 1)
}

func TestSecondPaymentForHeldOrderIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "order-3", 5000)

	first := paystackCharge("charge.success", "ps_ref_a", "order-3", 5000)
	_, err := f.rec.Ingest(ctx, "paystack", first, sign(first))
	require.NoError(t, err)

	// a flutterwave payment for the same order
	second := []byte(`{"event":"charge.completed","data":{"id":99,"tx_ref":"order-3","flw_ref":"FLW-1","amount":50,"status":"successful"}}`)
	res, err := f.rec.Ingest(ctx, "flutterwave", second, flwHash)
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, res.Action)
	assert.Len(t, f.escrowTxs(t, "order-3"), 1)
}

func TestIngestRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "order-4", 5000)
	body := paystackCharge("charge.success", "ps_ref_4", "order-4", 5000)

	_, err := f.rec.Ingest(ctx, "paystack", body, sign([]byte("other body")))
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)

	_, err = f.rec.Ingest(ctx, "paystack", body, "")
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)

	_, err = f.rec.Ingest(ctx, "flutterwave", body, "wrong-hash")
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)

	_, err = f.rec.Ingest(ctx, "stripe", body, "sig")
	require.ErrorIs(t, err, apperr.ErrValidation)

	junk := []byte(`{"event":`)
	_, err = f.rec.Ingest(ctx, "paystack", junk, sign(junk))
	require.ErrorIs(t, err, apperr.ErrValidation)

	assert.Empty(t, f.escrowTxs(t, "order-4"))
}

func TestUnknownEventIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"event":"subscription.create","data":{"reference":"sub_1"}}`)

	res, err := f.rec.Ingest(context.Background(), "paystack", body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, res.Action)
	assert.Equal(t, provider.KindIgnored, res.Kind)
}

func TestUnknownOrderIsRetriedLater(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := paystackCharge("charge.success", "ps_ref_5", "order-5", 5000)

	_, err := f.rec.Ingest(ctx, "paystack", body, sign(body))
	require.ErrorIs(t, err, apperr.ErrNotFound)

	f.order(t, "order-5", 5000)
	res, err := f.rec.Ingest(ctx, "paystack", body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, ActionHeld, res.Action)
	assert.False(t, res.Replayed)
}

func TestShortChargeIsFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "order-6", 5000)
	body := paystackCharge("charge.success", "ps_ref_6", "order-6", 4000)

	res, err := f.rec.Ingest(ctx, "paystack", body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, ActionAmountMismatch, res.Action)
	assert.Len(t, f.alerts.msgs, 1)
	assert.Empty(t, f.escrowTxs(t, "order-6"))

	_, err = f.escrow.GetHold(ctx, "order-6")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFailedChargeDoesNotBlockLaterSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.order(t, "order-7", 5000)

	failed := paystackCharge("charge.failed", "ps_ref_7", "order-7", 5000)
	res, err := f.rec.Ingest(ctx, "paystack", failed, sign(failed))
	require.NoError(t, err)
	assert.Equal(t, ActionChargeFailed, res.Action)
	assert.Equal(t, "Declined", res.Detail)

	ok := paystackCharge("charge.success", "ps_ref_7", "order-7", 5000)
	res, err = f.rec.Ingest(ctx, "paystack", ok, sign(ok))
	require.NoError(t, err)
	assert.Equal(t, ActionHeld, res.Action)
}

func (f *fixture) payout(t *testing.T) *payout.Request {
	t.Helper()
	ctx := context.Background()
	w, err := f.ledger.GetOrCreate(ctx, "vendor-1", wallet.RoleVendor)
	require.NoError(t, err)
	_, err = f.ledger.Credit(ctx, w.ID, 10000, wallet.TxEscrowRelease, "order-0", "seed")
	require.NoError(t, err)
	acct, err := f.payoutStore.CreateBankAccount(ctx, payout.BankAccount{
		ID: "ba-1", WalletID: w.ID, AccountNumber: "0123456789", BankCode: "058", RecipientCode: "RCP_1", Verified: true,
	})
	require.NoError(t, err)
	r, err := f.payouts.RequestPayout(ctx, w.ID, 3000, acct.ID)
	require.NoError(t, err)
	require.Equal(t, payout.StatusProcessing, r.Status)
	return r
}

func TestTransferFailureRestoresFundsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.payout(t)

	body := paystackTransfer("transfer.failed", r.Reference)
	res, err := f.rec.Ingest(ctx, "paystack", body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, ActionPayoutFailed, res.Action)
	assert.Equal(t, r.ID, res.PayoutID)

	res, err = f.rec.Ingest(ctx, "paystack", body, sign(body))
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	reversed := paystackTransfer("transfer.reversed", r.Reference)
	res, err = f.rec.Ingest(ctx, "paystack", reversed, sign(reversed))
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, res.Action)

	w, err := f.ledger.Get(ctx, r.WalletID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), w.Available)
	assert.Zero(t, w.Pending)
}

func TestFlutterwaveTransferCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.payout(t)

	body := []byte(fmt.Sprintf(`{"event":"transfer.completed","data":{"id":5521,"reference":%q,"amount":30,"status":"SUCCESSFUL"}}`, r.Reference))
	res, err := f.rec.Ingest(ctx, "flutterwave", body, flwHash)
	require.NoError(t, err)
	assert.Equal(t, ActionPayoutCompleted, res.Action)

	got, err := f.payouts.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.StatusCompleted, got.Status)
}

func TestUnknownTransferIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	body := paystackTransfer("transfer.success", "po_not_ours")

	res, err := f.rec.Ingest(context.Background(), "paystack", body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, ActionUnknownTransfer, res.Action)
}
