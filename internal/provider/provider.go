// Package provider defines the payment-gateway contracts the settlement
// services depend on. Concrete clients live in subpackages.
package provider

import (
	"context"
	"errors"
)

var (
	// ErrCapacity means the provider cannot allocate a resource right now,
	// e.g. its dedicated-account pool is exhausted.
	ErrCapacity = errors.New("provider capacity exhausted")
	// ErrRejected is a definite refusal; retrying the same request will not help.
	ErrRejected = errors.New("provider rejected request")
	// ErrTransferNotFound is returned by QueryTransfer for an unknown reference.
	ErrTransferNotFound = errors.New("transfer not found")
)

type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferSuccess  TransferStatus = "success"
	TransferFailed   TransferStatus = "failed"
	TransferReversed TransferStatus = "reversed"
)

// Terminal reports whether the status settles the transfer.
func (s TransferStatus) Terminal() bool {
	return s == TransferSuccess || s == TransferFailed || s == TransferReversed
}

type TransferRequest struct {
	Reference     string
	Amount        int64
	RecipientCode string
	AccountNumber string
	BankCode      string
	Reason        string
}

type TransferResult struct {
	Reference         string
	ProviderReference string
	Status            TransferStatus
	Reason            string
}

type ResolvedAccount struct {
	AccountNumber string
	AccountName   string
	BankCode      string
}

type Customer struct {
	Reference string
	Name      string
	Email     string
	Phone     string
}

type VirtualAccount struct {
	ProviderAccountID string
	AccountNumber     string
	BankName          string
	BankCode          string
}

type TransferProvider interface {
	Name() string
	ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*ResolvedAccount, error)
	CreateRecipient(ctx context.Context, acct ResolvedAccount) (recipientCode string, err error)
	InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	QueryTransfer(ctx context.Context, reference string) (*TransferResult, error)
}

type VirtualAccountProvider interface {
	Name() string
	// FetchVirtualAccount returns nil, nil when the customer has no account yet.
	FetchVirtualAccount(ctx context.Context, c Customer) (*VirtualAccount, error)
	CreateVirtualAccount(ctx context.Context, c Customer) (*VirtualAccount, error)
}

type EventKind string

const (
	KindCharge   EventKind = "charge"
	KindTransfer EventKind = "transfer"
	KindIgnored  EventKind = "ignored"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// NormalizedEvent is the provider-neutral form of a webhook notification.
type NormalizedEvent struct {
	Provider         string    `json:"provider"`
	Kind             EventKind `json:"kind"`
	Outcome          Outcome   `json:"outcome"`
	OrderReference   string    `json:"order_reference,omitempty"`
	GatewayReference string    `json:"gateway_reference"`
	Amount           int64     `json:"amount"`
	Reason           string    `json:"reason,omitempty"`
	EventType        string    `json:"event_type"`
}

// WebhookAdapter verifies and normalizes one provider's callbacks.
type WebhookAdapter interface {
	Name() string
	SignatureHeader() string
	Verify(payload []byte, signature string) error
	Normalize(payload []byte) (NormalizedEvent, error)
}
