// Package payout moves wallet funds to bank accounts through a transfer
// provider. Funds are reserved before submission and settled or restored
// once the provider reports an outcome.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/clock"
	"github.com/sudo-init-do/settlement/internal/events"
	"github.com/sudo-init-do/settlement/internal/fees"
	"github.com/sudo-init-do/settlement/internal/metrics"
	"github.com/sudo-init-do/settlement/internal/provider"
	"github.com/sudo-init-do/settlement/internal/retry"
	"github.com/sudo-init-do/settlement/internal/wallet"
)

const sweepBatch = 100

type Options struct {
	Fee fees.Schedule
	// Timeout is how long a payout may sit unresolved before requery picks it up.
	Timeout time.Duration
	// MaxRequeries is how many "not found" answers fail a payout closed.
	MaxRequeries  int
	ProviderRetry retry.Policy
	LedgerRetry   retry.Policy
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	Events        events.Publisher
	Alerter       wallet.Alerter
}

type Service struct {
	store         Store
	ledger        *wallet.Ledger
	transfers     provider.TransferProvider
	logger        *zap.Logger
	fee           fees.Schedule
	timeout       time.Duration
	maxRequeries  int
	providerRetry retry.Policy
	ledgerRetry   retry.Policy
	clock         clock.Clock
	metrics       *metrics.Metrics
	events        events.Publisher
	alerter       wallet.Alerter
}

func NewService(store Store, ledger *wallet.Ledger, transfers provider.TransferProvider, logger *zap.Logger, opts Options) *Service {
	s := &Service{
		store:         store,
		ledger:        ledger,
		transfers:     transfers,
		logger:        logger,
		fee:           opts.Fee,
		timeout:       opts.Timeout,
		maxRequeries:  opts.MaxRequeries,
		providerRetry: opts.ProviderRetry,
		ledgerRetry:   opts.LedgerRetry,
		clock:         opts.Clock,
		metrics:       opts.Metrics,
		events:        opts.Events,
		alerter:       opts.Alerter,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.fee.Mode == "" {
		s.fee = fees.Flat(0)
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Minute
	}
	if s.maxRequeries < 1 {
		s.maxRequeries = 5
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	s.ledgerRetry.Retryable = retry.UnlessPermanent
	return s
}

func ledgerKey(id, step string) string { return "payout:" + id + ":" + step }

func newReference() string { return "po_" + ulid.Make().String() }

func alreadyResolved(r *Request) error {
	state := string(r.Status)
	if !r.Status.Terminal() && r.Resolution != ResolutionNone {
		state = "resolving as " + string(r.Resolution)
	}
	return fmt.Errorf("%w: payout %s is %s", apperr.ErrAlreadyResolved, r.ID, state)
}

func validNUBAN(number string) bool {
	if len(number) != 10 {
		return false
	}
	for _, c := range number {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// AddBankAccount resolves an account at the transfer provider and registers
// it as a recipient. The stored account is verified and ready for payouts.
func (s *Service) AddBankAccount(ctx context.Context, walletID, accountNumber, bankCode string) (*BankAccount, error) {
	if !validNUBAN(accountNumber) {
		return nil, apperr.Validation("account number must be 10 digits")
	}
	if bankCode == "" {
		return nil, apperr.Validation("bank code is required")
	}
	if _, err := s.ledger.Get(ctx, walletID); err != nil {
		return nil, err
	}

	var resolved *provider.ResolvedAccount
	err := s.call(ctx, "resolve_account", func(ctx context.Context) error {
		var err error
		resolved, err = s.transfers.ResolveAccount(ctx, accountNumber, bankCode)
		return err
	})
	if errors.Is(err, provider.ErrRejected) {
		return nil, apperr.Validation("account %s at bank %s could not be resolved: %v", accountNumber, bankCode, err)
	}
	if err != nil {
		return nil, err
	}

	var recipient string
	err = s.call(ctx, "create_recipient", func(ctx context.Context) error {
		var err error
		recipient, err = s.transfers.CreateRecipient(ctx, *resolved)
		return err
	})
	if errors.Is(err, provider.ErrRejected) {
		return nil, apperr.Validation("recipient for account %s was refused: %v", accountNumber, err)
	}
	if err != nil {
		return nil, err
	}

	acct, err := s.store.CreateBankAccount(ctx, BankAccount{
		ID:            uuid.NewString(),
		WalletID:      walletID,
		AccountNumber: accountNumber,
		BankCode:      bankCode,
		AccountName:   resolved.AccountName,
		RecipientCode: recipient,
		Verified:      true,
		CreatedAt:     s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("bank account added",
		zap.String("wallet_id", walletID),
		zap.String("bank_account_id", acct.ID),
		zap.String("bank_code", bankCode),
	)
	return acct, nil
}

func (s *Service) ListBankAccounts(ctx context.Context, walletID string) ([]BankAccount, error) {
	return s.store.ListBankAccounts(ctx, walletID)
}

func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByWallet(ctx context.Context, walletID string, limit, offset int) ([]Request, error) {
	return s.store.ListByWallet(ctx, walletID, limit, offset)
}

func (s *Service) Counts(ctx context.Context) (map[Status]int64, error) {
	return s.store.Counts(ctx)
}

// RequestPayout reserves amount from the wallet and submits the net to the
// provider. A short balance is refused before anything is written.
func (s *Service) RequestPayout(ctx context.Context, walletID string, amount int64, bankAccountID string) (*Request, error) {
	if amount <= 0 {
		return nil, apperr.Validation("amount must be greater than zero")
	}
	w, err := s.ledger.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Role == wallet.RoleEscrow || w.Role == wallet.RolePlatform {
		return nil, apperr.Validation("system wallet %s cannot request payouts", walletID)
	}
	acct, err := s.store.GetBankAccount(ctx, bankAccountID)
	if err != nil {
		return nil, err
	}
	if acct.WalletID != walletID {
		return nil, apperr.Validation("bank account %s does not belong to wallet %s", bankAccountID, walletID)
	}
	if !acct.Verified {
		return nil, apperr.Validation("bank account %s is not verified", bankAccountID)
	}
	fee := s.fee.Apply(amount)
	if fee >= amount {
		return nil, apperr.Validation("payout fee %d leaves nothing to transfer from %d", fee, amount)
	}

	id := uuid.NewString()
	err = retry.Do(ctx, s.ledgerRetry, func(ctx context.Context) error {
		_, err := s.ledger.MoveToPending(ctx, walletID, amount, wallet.TxPayout, id, ledgerKey(id, "reserve"), wallet.WithFee(fee))
		return err
	})
	if err != nil {
		return nil, err
	}

	// the reservation stands from here on, so the caller going away must not
	// interrupt submission or compensation
	ctx = context.WithoutCancel(ctx)
	r := Request{
		ID:            id,
		Reference:     newReference(),
		WalletID:      walletID,
		BankAccountID: bankAccountID,
		Amount:        amount,
		Fee:           fee,
		NetAmount:     amount - fee,
		Status:        StatusPending,
		Resolution:    ResolutionNone,
		RequestedAt:   s.clock.Now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		undo := retry.Do(ctx, s.ledgerRetry, func(ctx context.Context) error {
			_, err := s.ledger.ReleasePending(ctx, walletID, amount, wallet.TxPayout, id, ledgerKey(id, "unreserve"))
			return err
		})
		if undo != nil {
			s.logger.Error("payout reservation left pending",
				zap.String("payout_id", id), zap.String("wallet_id", walletID), zap.Error(undo))
			return nil, errors.Join(err, undo)
		}
		return nil, err
	}

	s.metrics.PayoutTransition(string(StatusPending))
	s.logger.Info("payout requested",
		zap.String("payout_id", r.ID),
		zap.String("reference", r.Reference),
		zap.String("wallet_id", walletID),
		zap.Int64("amount", amount),
		zap.Int64("fee", fee),
	)
	s.publish(ctx, events.PayoutRequested, &r)
	return s.submit(ctx, &r, acct)
}

// submit sends the transfer outside any wallet lock. A definite refusal fails
// the payout; an ambiguous answer leaves it processing for requery.
func (s *Service) submit(ctx context.Context, r *Request, acct *BankAccount) (*Request, error) {
	var res *provider.TransferResult
	err := s.call(ctx, "initiate_transfer", func(ctx context.Context) error {
		var err error
		res, err = s.transfers.InitiateTransfer(ctx, provider.TransferRequest{
			Reference:     r.Reference,
			Amount:        r.NetAmount,
			RecipientCode: acct.RecipientCode,
			AccountNumber: acct.AccountNumber,
			BankCode:      acct.BankCode,
			Reason:        "wallet payout " + r.ID,
		})
		return err
	})
	switch {
	case errors.Is(err, provider.ErrRejected):
		s.logger.Warn("payout rejected by provider", zap.String("payout_id", r.ID), zap.Error(err))
		return s.resolve(ctx, r, ResolutionFailure, err.Error())
	case err != nil:
		s.logger.Warn("payout submission ambiguous, awaiting requery", zap.String("payout_id", r.ID), zap.Error(err))
		return s.markProcessing(ctx, r, "")
	}

	r, err = s.markProcessing(ctx, r, res.ProviderReference)
	if err != nil {
		return r, err
	}
	if res.Status.Terminal() {
		return s.resolve(ctx, r, outcome(res.Status), res.Reason)
	}
	return r, nil
}

func (s *Service) markProcessing(ctx context.Context, r *Request, transferRef string) (*Request, error) {
	updated, err := s.store.MarkProcessing(ctx, r.ID, s.transfers.Name(), transferRef, s.clock.Now())
	if err != nil {
		return r, err
	}
	if updated.Status == StatusProcessing && r.Status != StatusProcessing {
		s.metrics.PayoutTransition(string(StatusProcessing))
	}
	return updated, nil
}

func outcome(status provider.TransferStatus) Resolution {
	if status == provider.TransferSuccess {
		return ResolutionSuccess
	}
	return ResolutionFailure
}

// ApplyTransferOutcome settles or restores a payout by its transfer
// reference. Repeats of an applied outcome, and contradicting outcomes,
// return the payout with ErrAlreadyResolved.
func (s *Service) ApplyTransferOutcome(ctx context.Context, reference string, success bool, reason string) (*Request, error) {
	r, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	res := ResolutionFailure
	if success {
		res = ResolutionSuccess
	}
	if r.Status.Terminal() || (r.Resolution != ResolutionNone && r.Resolution != res) {
		return r, alreadyResolved(r)
	}
	return s.resolve(ctx, r, res, reason)
}

func (s *Service) resolve(ctx context.Context, r *Request, res Resolution, reason string) (*Request, error) {
	committed, err := s.store.CommitOutcome(ctx, r.ID, res, reason)
	if err != nil {
		return r, err
	}
	if committed.Status.Terminal() || committed.Resolution != res {
		return committed, alreadyResolved(committed)
	}
	return s.apply(ctx, committed)
}

func (s *Service) apply(ctx context.Context, r *Request) (*Request, error) {
	switch r.Resolution {
	case ResolutionSuccess:
		return s.applySuccess(ctx, r)
	case ResolutionFailure:
		return s.applyFailure(ctx, r)
	default:
		return r, fmt.Errorf("payout %s has no committed outcome", r.ID)
	}
}

func (s *Service) post(ctx context.Context, r *Request, step string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, s.ledgerRetry, fn)
	if err != nil {
		s.logger.Error("payout posting failed",
			zap.String("payout_id", r.ID),
			zap.String("resolution", string(r.Resolution)),
			zap.String("posting", step),
			zap.Error(err),
		)
		return fmt.Errorf("payout %s %s: %w", r.ID, step, err)
	}
	return nil
}

func (s *Service) applySuccess(ctx context.Context, r *Request) (*Request, error) {
	err := s.post(ctx, r, "settle", func(ctx context.Context) error {
		_, err := s.ledger.SettlePending(ctx, r.WalletID, r.Amount, wallet.TxPayout, r.ID, ledgerKey(r.ID, "settle"), wallet.WithFee(r.Fee))
		return err
	})
	if err != nil {
		return r, err
	}
	if r.Fee > 0 {
		platform, err := s.ledger.PlatformWallet(ctx)
		if err != nil {
			return r, err
		}
		err = s.post(ctx, r, "fee", func(ctx context.Context) error {
			_, err := s.ledger.Credit(ctx, platform.ID, r.Fee, wallet.TxFee, r.ID, ledgerKey(r.ID, "fee"))
			return err
		})
		if err != nil {
			return r, err
		}
	}
	return s.finish(ctx, r, StatusCompleted, events.PayoutCompleted)
}

func (s *Service) applyFailure(ctx context.Context, r *Request) (*Request, error) {
	err := s.post(ctx, r, "restore", func(ctx context.Context) error {
		_, err := s.ledger.ReleasePending(ctx, r.WalletID, r.Amount, wallet.TxPayout, r.ID, ledgerKey(r.ID, "restore"))
		return err
	})
	if err != nil {
		return r, err
	}
	err = s.post(ctx, r, "failed", func(ctx context.Context) error {
		_, err := s.ledger.Record(ctx, r.WalletID, r.Amount, wallet.TxPayout, r.ID, ledgerKey(r.ID, "failed"), wallet.WithFee(r.Fee))
		return err
	})
	if err != nil {
		return r, err
	}
	done, err := s.finish(ctx, r, StatusFailed, events.PayoutFailed)
	if err != nil {
		return done, err
	}
	if s.alerter != nil {
		msg := fmt.Sprintf("payout %s (%s) of %d from wallet %s failed: %s", done.ID, done.Reference, done.Amount, done.WalletID, done.FailureReason)
		if err := s.alerter.AdminAlert(ctx, "warning", msg); err != nil {
			s.logger.Warn("admin alert failed", zap.String("payout_id", done.ID), zap.Error(err))
		}
	}
	return done, nil
}

func (s *Service) finish(ctx context.Context, r *Request, status Status, eventType string) (*Request, error) {
	done, err := s.store.Finish(ctx, r.ID, status, s.clock.Now())
	if err != nil {
		return r, err
	}
	s.metrics.PayoutTransition(string(status))
	s.logger.Info("payout resolved",
		zap.String("payout_id", done.ID),
		zap.String("reference", done.Reference),
		zap.String("status", string(done.Status)),
		zap.Int64("amount", done.Amount),
		zap.Int64("fee", done.Fee),
		zap.String("reason", done.FailureReason),
	)
	s.publish(ctx, eventType, done)
	return done, nil
}

// Requery asks the provider where a payout stands and applies what it learns.
// A payout that was never submitted is submitted; one the provider cannot
// find is failed closed after the configured number of attempts.
func (s *Service) Requery(ctx context.Context, id string) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return r, alreadyResolved(r)
	}
	if r.Resolution != ResolutionNone {
		return s.apply(ctx, r)
	}
	if r.SubmittedAt == nil {
		acct, err := s.store.GetBankAccount(ctx, r.BankAccountID)
		if err != nil {
			return r, err
		}
		return s.submit(ctx, r, acct)
	}

	var res *provider.TransferResult
	err = s.call(ctx, "query_transfer", func(ctx context.Context) error {
		var err error
		res, err = s.transfers.QueryTransfer(ctx, r.Reference)
		return err
	})
	switch {
	case errors.Is(err, provider.ErrTransferNotFound):
		return s.notFound(ctx, r)
	case err != nil:
		return r, err
	case res.Status.Terminal():
		return s.resolve(ctx, r, outcome(res.Status), res.Reason)
	case r.TransferReference == "" && res.ProviderReference != "":
		return s.markProcessing(ctx, r, res.ProviderReference)
	}
	return r, nil
}

func (s *Service) notFound(ctx context.Context, r *Request) (*Request, error) {
	n, err := s.store.IncrementRequery(ctx, r.ID)
	if err != nil {
		return r, err
	}
	r.RequeryAttempts = n
	if n >= s.maxRequeries {
		s.logger.Warn("payout unknown to provider, failing closed",
			zap.String("payout_id", r.ID), zap.Int("requeries", n))
		return s.resolve(ctx, r, ResolutionFailure, fmt.Sprintf("transfer not found after %d requeries", n))
	}
	if r.TransferReference != "" {
		return r, nil
	}
	// the submission may never have reached the provider; the reference
	// makes a repeat safe
	acct, err := s.store.GetBankAccount(ctx, r.BankAccountID)
	if err != nil {
		return r, err
	}
	return s.submit(ctx, r, acct)
}

// RequeryStale requeries every open payout untouched for longer than the
// payout timeout, and finishes any whose outcome was committed. It returns
// how many reached a terminal status.
func (s *Service) RequeryStale(ctx context.Context) (int, error) {
	open, err := s.store.ListOpen(ctx, s.clock.Now().Add(-s.timeout), sweepBatch)
	if err != nil {
		return 0, err
	}
	var (
		done int
		errs []error
	)
	for i := range open {
		r, err := s.Requery(ctx, open[i].ID)
		if err != nil && !errors.Is(err, apperr.ErrAlreadyResolved) {
			s.logger.Warn("requery payout", zap.String("payout_id", open[i].ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if r != nil && r.Status.Terminal() {
			done++
		}
	}
	return done, errors.Join(errs...)
}

func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, s.providerRetry, fn)
	result := "ok"
	if err != nil {
		result = apperr.Code(err)
		if errors.Is(err, provider.ErrRejected) {
			result = "rejected"
		} else if errors.Is(err, provider.ErrTransferNotFound) {
			result = "not_found"
		}
	}
	s.metrics.ProviderCall(s.transfers.Name(), op, result)
	return err
}

func (s *Service) publish(ctx context.Context, eventType string, r *Request) {
	err := s.events.Publish(ctx, events.Event{
		Type:       eventType,
		PayoutID:   r.ID,
		WalletID:   r.WalletID,
		Amount:     r.Amount,
		Status:     string(r.Status),
		Reason:     r.FailureReason,
		OccurredAt: s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn("publish event failed", zap.String("type", eventType), zap.String("payout_id", r.ID), zap.Error(err))
	}
}
