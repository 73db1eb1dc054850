package payout

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Resolution is the transfer outcome committed before the ledger is settled.
// It is written once; the status follows it after the postings land.
type Resolution string

const (
	ResolutionNone    Resolution = ""
	ResolutionSuccess Resolution = "success"
	ResolutionFailure Resolution = "failure"
)

type BankAccount struct {
	ID            string    `json:"id"`
	WalletID      string    `json:"wallet_id"`
	AccountNumber string    `json:"account_number"`
	BankCode      string    `json:"bank_code"`
	AccountName   string    `json:"account_name"`
	RecipientCode string    `json:"-"`
	Verified      bool      `json:"verified"`
	CreatedAt     time.Time `json:"created_at"`
}

type Request struct {
	ID                string     `json:"id"`
	Reference         string     `json:"reference"`
	WalletID          string     `json:"wallet_id"`
	BankAccountID     string     `json:"bank_account_id"`
	Amount            int64      `json:"amount"`
	Fee               int64      `json:"fee"`
	NetAmount         int64      `json:"net_amount"`
	Status            Status     `json:"status"`
	Resolution        Resolution `json:"-"`
	Provider          string     `json:"provider,omitempty"`
	TransferReference string     `json:"transfer_reference,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	RequeryAttempts   int        `json:"requery_attempts"`
	RequestedAt       time.Time  `json:"requested_at"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
}
