// Package paystack is the Paystack gateway client and webhook adapter.
package paystack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sudo-init-do/settlement/internal/provider"
)

const Name = "paystack"

type Client struct {
	api           *provider.Client
	secretKey     string
	preferredBank string
}

type Option func(*Client)

// WithPreferredBank selects the bank slug dedicated accounts are issued from.
func WithPreferredBank(slug string) Option {
	return func(c *Client) { c.preferredBank = slug }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.api.HTTP = hc }
}

func New(baseURL, secretKey string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		secretKey:     secretKey,
		preferredBank: "wema-bank",
		api: &provider.Client{
			Name:    Name,
			BaseURL: strings.TrimRight(baseURL, "/"),
			HTTP:    &http.Client{Timeout: timeout},
		},
	}
	c.api.Auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+c.secretKey) }
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return Name }

type envelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (c *Client) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*provider.ResolvedAccount, error) {
	q := url.Values{"account_number": {accountNumber}, "bank_code": {bankCode}}
	var resp envelope[struct {
		AccountNumber string `json:"account_number"`
		AccountName   string `json:"account_name"`
	}]
	if err := c.api.DoJSON(ctx, http.MethodGet, "/bank/resolve?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	return &provider.ResolvedAccount{
		AccountNumber: resp.Data.AccountNumber,
		AccountName:   resp.Data.AccountName,
		BankCode:      bankCode,
	}, nil
}

func (c *Client) CreateRecipient(ctx context.Context, acct provider.ResolvedAccount) (string, error) {
	body := map[string]string{
		"type":           "nuban",
		"name":           acct.AccountName,
		"account_number": acct.AccountNumber,
		"bank_code":      acct.BankCode,
		"currency":       "NGN",
	}
	var resp envelope[struct {
		RecipientCode string `json:"recipient_code"`
	}]
	if err := c.api.DoJSON(ctx, http.MethodPost, "/transferrecipient", body, &resp); err != nil {
		return "", fmt.Errorf("create recipient: %w", err)
	}
	if resp.Data.RecipientCode == "" {
		return "", fmt.Errorf("create recipient: %w: empty recipient code", provider.ErrRejected)
	}
	return resp.Data.RecipientCode, nil
}

type transferData struct {
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
}

func (d transferData) result() *provider.TransferResult {
	return &provider.TransferResult{
		Reference:         d.Reference,
		ProviderReference: d.TransferCode,
		Status:            transferStatus(d.Status),
		Reason:            d.Reason,
	}
}

func transferStatus(s string) provider.TransferStatus {
	switch strings.ToLower(s) {
	case "success":
		return provider.TransferSuccess
	case "failed", "abandoned", "rejected":
		return provider.TransferFailed
	case "reversed":
		return provider.TransferReversed
	default:
		// pending, otp, received, queued
		return provider.TransferPending
	}
}

func (c *Client) InitiateTransfer(ctx context.Context, req provider.TransferRequest) (*provider.TransferResult, error) {
	body := map[string]any{
		"source":    "balance",
		"amount":    req.Amount,
		"recipient": req.RecipientCode,
		"reference": req.Reference,
		"reason":    req.Reason,
		"currency":  "NGN",
	}
	var resp envelope[transferData]
	if err := c.api.DoJSON(ctx, http.MethodPost, "/transfer", body, &resp); err != nil {
		return nil, fmt.Errorf("initiate transfer %s: %w", req.Reference, err)
	}
	res := resp.Data.result()
	if res.Reference == "" {
		res.Reference = req.Reference
	}
	return res, nil
}

func (c *Client) QueryTransfer(ctx context.Context, reference string) (*provider.TransferResult, error) {
	var resp envelope[transferData]
	err := c.api.DoJSON(ctx, http.MethodGet, "/transfer/verify/"+url.PathEscape(reference), nil, &resp)
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, fmt.Errorf("query transfer %s: %w", reference, provider.ErrTransferNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query transfer %s: %w", reference, err)
	}
	res := resp.Data.result()
	if res.Reference == "" {
		res.Reference = reference
	}
	return res, nil
}

type dedicatedAccount struct {
	ID            int64  `json:"id"`
	AccountNumber string `json:"account_number"`
	Active        *bool  `json:"active"`
	Bank          struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
		ID   int64  `json:"id"`
	} `json:"bank"`
}

func (d *dedicatedAccount) virtualAccount() *provider.VirtualAccount {
	return &provider.VirtualAccount{
		ProviderAccountID: strconv.FormatInt(d.ID, 10),
		AccountNumber:     d.AccountNumber,
		BankName:          d.Bank.Name,
		BankCode:          d.Bank.Slug,
	}
}

// FetchVirtualAccount looks the customer up by email and returns its
// dedicated account, if one was issued.
func (c *Client) FetchVirtualAccount(ctx context.Context, cust provider.Customer) (*provider.VirtualAccount, error) {
	var resp envelope[struct {
		CustomerCode      string             `json:"customer_code"`
		DedicatedAccount  *dedicatedAccount  `json:"dedicated_account"`
		DedicatedAccounts []dedicatedAccount `json:"dedicated_accounts"`
	}]
	err := c.api.DoJSON(ctx, http.MethodGet, "/customer/"+url.PathEscape(cust.Email), nil, &resp)
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch customer: %w", err)
	}
	if d := resp.Data.DedicatedAccount; d != nil && d.AccountNumber != "" {
		return d.virtualAccount(), nil
	}
	for i := range resp.Data.DedicatedAccounts {
		d := &resp.Data.DedicatedAccounts[i]
		if d.AccountNumber != "" && (d.Active == nil || *d.Active) {
			return d.virtualAccount(), nil
		}
	}
	return nil, nil
}

func (c *Client) CreateVirtualAccount(ctx context.Context, cust provider.Customer) (*provider.VirtualAccount, error) {
	first, last := splitName(cust.Name)
	var custResp envelope[struct {
		CustomerCode string `json:"customer_code"`
	}]
	err := c.api.DoJSON(ctx, http.MethodPost, "/customer", map[string]string{
		"email":      cust.Email,
		"first_name": first,
		"last_name":  last,
		"phone":      cust.Phone,
	}, &custResp)
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}

	var resp envelope[dedicatedAccount]
	err = c.api.DoJSON(ctx, http.MethodPost, "/dedicated_account", map[string]string{
		"customer":       custResp.Data.CustomerCode,
		"preferred_bank": c.preferredBank,
	}, &resp)
	if err != nil {
		if capacityError(err) {
			return nil, fmt.Errorf("create dedicated account: %w: %v", provider.ErrCapacity, err)
		}
		return nil, fmt.Errorf("create dedicated account: %w", err)
	}
	return resp.Data.virtualAccount(), nil
}

func capacityError(err error) bool {
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.Status >= 500 {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	for _, s := range []string{"not available", "unavailable", "capacity", "exhausted", "no available"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func splitName(name string) (string, string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
