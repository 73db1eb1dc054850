package paystack

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/provider"
)

func newServer(t *testing.T, routes map[string]http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":false,"message":"route not found"}`))
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, "sk_test", 5*time.Second)
}

func TestResolveAndCreateRecipient(t *testing.T) {
	c := newServer(t, map[string]http.HandlerFunc{
		"GET /bank/resolve": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "0123456789", r.URL.Query().Get("account_number"))
			assert.Equal(t, "058", r.URL.Query().Get("bank_code"))
			_, _ = w.Write([]byte(`{"status":true,"data":{"account_number":"0123456789","account_name":"ADA OBI"}}`))
		},
		"POST /transferrecipient": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "nuban", body["type"])
			assert.Equal(t, "ADA OBI", body["name"])
			_, _ = w.Write([]byte(`{"status":true,"data":{"recipient_code":"RCP_1"}}`))
		},
	})
	ctx := context.Background()

	acct, err := c.ResolveAccount(ctx, "0123456789", "058")
	require.NoError(t, err)
	assert.Equal(t, "ADA OBI", acct.AccountName)

	code, err := c.CreateRecipient(ctx, *acct)
	require.NoError(t, err)
	assert.Equal(t, "RCP_1", code)
}

func TestTransferLifecycle(t *testing.T) {
	c := newServer(t, map[string]http.HandlerFunc{
		"POST /transfer": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, float64(2900), body["amount"])
			assert.Equal(t, "po_1", body["reference"])
			_, _ = w.Write([]byte(`{"status":true,"data":{"reference":"po_1","transfer_code":"TRF_1","status":"pending"}}`))
		},
		"GET /transfer/verify/po_1": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":true,"data":{"reference":"po_1","transfer_code":"TRF_1","status":"success"}}`))
		},
	})
	ctx := context.Background()

	res, err := c.InitiateTransfer(ctx, provider.TransferRequest{Reference: "po_1", Amount: 2900, RecipientCode: "RCP_1"})
	require.NoError(t, err)
	assert.Equal(t, provider.TransferPending, res.Status)
	assert.Equal(t, "TRF_1", res.ProviderReference)

	res, err = c.QueryTransfer(ctx, "po_1")
	require.NoError(t, err)
	assert.Equal(t, provider.TransferSuccess, res.Status)

	_, err = c.QueryTransfer(ctx, "po_missing")
	assert.ErrorIs(t, err, provider.ErrTransferNotFound)
}

func TestTransferErrors(t *testing.T) {
	c := newServer(t, map[string]http.HandlerFunc{
		"POST /transfer": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body["reference"] == "po_bad" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"status":false,"message":"Invalid recipient"}`))
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})
	ctx := context.Background()

	_, err := c.InitiateTransfer(ctx, provider.TransferRequest{Reference: "po_bad", Amount: 1})
	assert.ErrorIs(t, err, provider.ErrRejected)

	_, err = c.InitiateTransfer(ctx, provider.TransferRequest{Reference: "po_down", Amount: 1})
	assert.ErrorIs(t, err, apperr.ErrProviderUnavailable)
}

func TestVirtualAccounts(t *testing.T) {
	c := newServer(t, map[string]http.HandlerFunc{
		"GET /customer/has@example.com": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":true,"data":{"customer_code":"CUS_1","dedicated_account":{"id":77,"account_number":"9930000001","bank":{"name":"Wema Bank","slug":"wema-bank"}}}}`))
		},
		"GET /customer/none@example.com": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":true,"data":{"customer_code":"CUS_2","dedicated_account":null}}`))
		},
		"POST /customer": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "Ada", body["first_name"])
			assert.Equal(t, "Obi", body["last_name"])
			_, _ = w.Write([]byte(`{"status":true,"data":{"customer_code":"CUS_` + body["email"] + `"}}`))
		},
		"POST /dedicated_account": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body["customer"] == "CUS_full@example.com" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"status":false,"message":"Dedicated NUBAN not available for this bank"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":true,"data":{"id":88,"account_number":"9930000002","bank":{"name":"Wema Bank","slug":"wema-bank"}}}`))
		},
	})
	ctx := context.Background()

	va, err := c.FetchVirtualAccount(ctx, provider.Customer{Email: "has@example.com"})
	require.NoError(t, err)
	require.NotNil(t, va)
	assert.Equal(t, "77", va.ProviderAccountID)
	assert.Equal(t, "9930000001", va.AccountNumber)

	va, err = c.FetchVirtualAccount(ctx, provider.Customer{Email: "none@example.com"})
	require.NoError(t, err)
	assert.Nil(t, va)

	va, err = c.FetchVirtualAccount(ctx, provider.Customer{Email: "unknown@example.com"})
	require.NoError(t, err)
	assert.Nil(t, va)

	va, err = c.CreateVirtualAccount(ctx, provider.Customer{Email: "new@example.com", Name: "Ada Obi"})
	require.NoError(t, err)
	assert.Equal(t, "9930000002", va.AccountNumber)

	_, err = c.CreateVirtualAccount(ctx, provider.Customer{Email: "full@example.com", Name: "Ada Obi"})
	assert.ErrorIs(t, err, provider.ErrCapacity)
}

func signed(t *testing.T, body string) string {
	t.Helper()
	return hex.EncodeToString(Sign("sk_test", []byte(body)))
}

func TestWebhookVerify(t *testing.T) {
	w := NewWebhook("sk_test")
	body := `{"event":"charge.success","data":{"reference":"T1","amount":500000}}`

	assert.NoError(t, w.Verify([]byte(body), signed(t, body)))
	assert.ErrorIs(t, w.Verify([]byte(body), "deadbeef"), apperr.ErrInvalidSignature)
	assert.ErrorIs(t, w.Verify([]byte(body), "not-hex"), apperr.ErrInvalidSignature)
	assert.ErrorIs(t, w.Verify([]byte(body), ""), apperr.ErrInvalidSignature)
	assert.ErrorIs(t, w.Verify([]byte(body+" "), signed(t, body)), apperr.ErrInvalidSignature)
}

func TestWebhookNormalize(t *testing.T) {
	w := NewWebhook("sk_test")
	cases := []struct {
		name string
		body string
		want provider.NormalizedEvent
	}{
		{
			name: "charge success with metadata",
			body: `{"event":"charge.success","data":{"reference":"T1","amount":500000,"metadata":{"order_id":"o1"}}}`,
			want: provider.NormalizedEvent{Provider: Name, Kind: provider.KindCharge, Outcome: provider.OutcomeSuccess,
				OrderReference: "o1", GatewayReference: "T1", Amount: 500000, EventType: "charge.success"},
		},
		{
			name: "charge success with string metadata",
			body: `{"event":"charge.success","data":{"reference":"T2","amount":100,"metadata":"{\"order_id\":\"o2\"}"}}`,
			want: provider.NormalizedEvent{Provider: Name, Kind: provider.KindCharge, Outcome: provider.OutcomeSuccess,
				OrderReference: "o2", GatewayReference: "T2", Amount: 100, EventType: "charge.success"},
		},
		{
			name: "charge failed falls back to reference",
			body: `{"event":"charge.failed","data":{"reference":"o3","amount":100,"metadata":"","gateway_response":"Declined"}}`,
			want: provider.NormalizedEvent{Provider: Name, Kind: provider.KindCharge, Outcome: provider.OutcomeFailure,
				OrderReference: "o3", GatewayReference: "o3", Amount: 100, Reason: "Declined", EventType: "charge.failed"},
		},
		{
			name: "transfer reversed",
			body: `{"event":"transfer.reversed","data":{"reference":"po_1","transfer_code":"TRF_1","amount":2900}}`,
			want: provider.NormalizedEvent{Provider: Name, Kind: provider.KindTransfer, Outcome: provider.OutcomeFailure,
				OrderReference: "po_1", GatewayReference: "TRF_1", Amount: 2900, Reason: "reversed", EventType: "transfer.reversed"},
		},
		{
			name: "unknown event",
			body: `{"event":"subscription.create","data":{"reference":"S1"}}`,
			want: provider.NormalizedEvent{Provider: Name, Kind: provider.KindIgnored, GatewayReference: "S1", EventType: "subscription.create"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := w.Normalize([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := w.Normalize([]byte(`{not json`))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = w.Normalize([]byte(`{"event":"charge.success","data":{}}`))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
