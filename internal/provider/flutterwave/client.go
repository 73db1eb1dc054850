// Package flutterwave is the Flutterwave transfer client and webhook adapter.
// Flutterwave amounts are in major units; this package converts at the edge.
package flutterwave

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/fees"
	"github.com/sudo-init-do/settlement/internal/provider"
)

const (
	Name            = "flutterwave"
	SignatureHeader = "verif-hash"
)

type Client struct {
	api *provider.Client
}

func New(baseURL, secretKey string, timeout time.Duration) *Client {
	return &Client{api: &provider.Client{
		Name:    Name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Auth:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+secretKey) },
	}}
}

func (c *Client) Name() string { return Name }

type envelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (c *Client) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*provider.ResolvedAccount, error) {
	var resp envelope[struct {
		AccountNumber string `json:"account_number"`
		AccountName   string `json:"account_name"`
	}]
	err := c.api.DoJSON(ctx, http.MethodPost, "/accounts/resolve", map[string]string{
		"account_number": accountNumber,
		"account_bank":   bankCode,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	return &provider.ResolvedAccount{
		AccountNumber: resp.Data.AccountNumber,
		AccountName:   resp.Data.AccountName,
		BankCode:      bankCode,
	}, nil
}

// CreateRecipient registers a beneficiary; its numeric id is the recipient code.
func (c *Client) CreateRecipient(ctx context.Context, acct provider.ResolvedAccount) (string, error) {
	var resp envelope[struct {
		ID int64 `json:"id"`
	}]
	err := c.api.DoJSON(ctx, http.MethodPost, "/beneficiaries", map[string]string{
		"account_number":   acct.AccountNumber,
		"account_bank":     acct.BankCode,
		"beneficiary_name": acct.AccountName,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("create beneficiary: %w", err)
	}
	return strconv.FormatInt(resp.Data.ID, 10), nil
}

type transferData struct {
	ID              int64  `json:"id"`
	Reference       string `json:"reference"`
	Status          string `json:"status"`
	CompleteMessage string `json:"complete_message"`
}

func (d transferData) result() *provider.TransferResult {
	return &provider.TransferResult{
		Reference:         d.Reference,
		ProviderReference: strconv.FormatInt(d.ID, 10),
		Status:            transferStatus(d.Status),
		Reason:            d.CompleteMessage,
	}
}

func transferStatus(s string) provider.TransferStatus {
	switch strings.ToUpper(s) {
	case "SUCCESSFUL":
		return provider.TransferSuccess
	case "FAILED":
		return provider.TransferFailed
	default:
		// NEW, PENDING
		return provider.TransferPending
	}
}

func (c *Client) InitiateTransfer(ctx context.Context, req provider.TransferRequest) (*provider.TransferResult, error) {
	body := map[string]any{
		"account_bank":   req.BankCode,
		"account_number": req.AccountNumber,
		"amount":         json.Number(fees.MajorUnits(req.Amount).String()),
		"currency":       "NGN",
		"reference":      req.Reference,
		"narration":      req.Reason,
	}
	var resp envelope[transferData]
	if err := c.api.DoJSON(ctx, http.MethodPost, "/transfers", body, &resp); err != nil {
		return nil, fmt.Errorf("initiate transfer %s: %w", req.Reference, err)
	}
	res := resp.Data.result()
	if res.Reference == "" {
		res.Reference = req.Reference
	}
	return res, nil
}

func (c *Client) QueryTransfer(ctx context.Context, reference string) (*provider.TransferResult, error) {
	var resp envelope[[]transferData]
	q := url.Values{"reference": {reference}}
	if err := c.api.DoJSON(ctx, http.MethodGet, "/transfers?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("query transfer %s: %w", reference, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("query transfer %s: %w", reference, provider.ErrTransferNotFound)
	}
	res := resp.Data[0].result()
	if res.Reference == "" {
		res.Reference = reference
	}
	return res, nil
}

// Webhook compares the verif-hash header with the configured secret hash.
type Webhook struct {
	secretHash string
}

func NewWebhook(secretHash string) *Webhook {
	return &Webhook{secretHash: secretHash}
}

func (w *Webhook) Name() string            { return Name }
func (w *Webhook) SignatureHeader() string { return SignatureHeader }

func (w *Webhook) Verify(_ []byte, signature string) error {
	if w.secretHash == "" || signature == "" {
		return apperr.ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare([]byte(signature), []byte(w.secretHash)) != 1 {
		return apperr.ErrInvalidSignature
	}
	return nil
}

type event struct {
	Event string `json:"event"`
	Data  struct {
		ID              int64           `json:"id"`
		TxRef           string          `json:"tx_ref"`
		FlwRef          string          `json:"flw_ref"`
		Reference       string          `json:"reference"`
		Amount          decimal.Decimal `json:"amount"`
		Status          string          `json:"status"`
		ProcessorResp   string          `json:"processor_response"`
		CompleteMessage string          `json:"complete_message"`
	} `json:"data"`
}

func (w *Webhook) Normalize(payload []byte) (provider.NormalizedEvent, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return provider.NormalizedEvent{}, apperr.Validation("flutterwave payload: %v", err)
	}
	if ev.Event == "" {
		return provider.NormalizedEvent{}, apperr.Validation("flutterwave payload: missing event")
	}
	n := provider.NormalizedEvent{
		Provider:  Name,
		EventType: ev.Event,
		Amount:    fees.MinorUnits(ev.Data.Amount),
	}

	switch ev.Event {
	case "charge.completed":
		n.Kind = provider.KindCharge
		n.OrderReference = ev.Data.TxRef
		n.GatewayReference = ev.Data.FlwRef
		if n.GatewayReference == "" && ev.Data.ID != 0 {
			n.GatewayReference = strconv.FormatInt(ev.Data.ID, 10)
		}
		if strings.EqualFold(ev.Data.Status, "successful") {
			n.Outcome = provider.OutcomeSuccess
		} else {
			n.Outcome = provider.OutcomeFailure
			n.Reason = ev.Data.ProcessorResp
		}
	case "transfer.completed":
		n.Kind = provider.KindTransfer
		n.OrderReference = ev.Data.Reference
		n.GatewayReference = strconv.FormatInt(ev.Data.ID, 10)
		if ev.Data.ID == 0 {
			n.GatewayReference = ev.Data.Reference
		}
		if strings.EqualFold(ev.Data.Status, "SUCCESSFUL") {
			n.Outcome = provider.OutcomeSuccess
		} else {
			n.Outcome = provider.OutcomeFailure
			n.Reason = ev.Data.CompleteMessage
		}
	default:
		n.Kind = provider.KindIgnored
		n.GatewayReference = ev.Data.FlwRef
		return n, nil
	}

	if n.GatewayReference == "" || n.OrderReference == "" {
		return provider.NormalizedEvent{}, apperr.Validation("flutterwave %s: missing reference", ev.Event)
	}
	return n, nil
}
