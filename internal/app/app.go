// Package app assembles the settlement services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/alerts"
	"github.com/sudo-init-do/settlement/internal/api"
	"github.com/sudo-init-do/settlement/internal/clock"
	"github.com/sudo-init-do/settlement/internal/config"
	"github.com/sudo-init-do/settlement/internal/db"
	"github.com/sudo-init-do/settlement/internal/escrow"
	"github.com/sudo-init-do/settlement/internal/events"
	"github.com/sudo-init-do/settlement/internal/fees"
	"github.com/sudo-init-do/settlement/internal/idempotency"
	"github.com/sudo-init-do/settlement/internal/metrics"
	"github.com/sudo-init-do/settlement/internal/payout"
	"github.com/sudo-init-do/settlement/internal/provider"
	"github.com/sudo-init-do/settlement/internal/provider/flutterwave"
	"github.com/sudo-init-do/settlement/internal/provider/paystack"
	"github.com/sudo-init-do/settlement/internal/retry"
	"github.com/sudo-init-do/settlement/internal/vaccount"
	"github.com/sudo-init-do/settlement/internal/wallet"
	"github.com/sudo-init-do/settlement/internal/webhook"
)

// App holds every wired service plus the connections they share.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Metrics  *metrics.Metrics
	Ledger   *wallet.Ledger
	Guard    *idempotency.Guard
	Escrow   *escrow.Service
	Payouts  *payout.Service
	Accounts *vaccount.Provisioner
	Webhooks *webhook.Reconciler

	// Keys is set when idempotency records live in Postgres and need purging.
	Keys alerts.KeyPurger

	closers []func() error
}

// Build connects to Postgres, ensures the schema and wires the services.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Pool: pool, Metrics: metrics.New()}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	if err := db.EnsureSchema(ctx, pool); err != nil {
		a.Close()
		return nil, err
	}

	clk := clock.RealClock{}
	publisher := a.publisher()
	alerter := a.alerter()

	a.Ledger = wallet.NewLedger(wallet.NewPGStore(pool, clk), logger.Named("ledger"),
		wallet.WithAlerter(alerter),
		wallet.WithMetrics(a.Metrics),
		wallet.WithPublisher(publisher),
		wallet.WithClock(clk),
	)

	store, err := a.idempotencyStore(ctx, clk)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Guard = idempotency.NewGuard(store, cfg.IdempotencyTTL, logger.Named("idempotency"), a.Metrics)

	ledgerRetry := retry.Policy{Attempts: 5, BaseDelay: cfg.RetryBaseDelay, MaxDelay: 10 * cfg.RetryBaseDelay}
	providerRetry := retry.Policy{
		Attempts:  cfg.ProviderRetries,
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  10 * cfg.RetryBaseDelay,
		Timeout:   cfg.ProviderTimeout,
	}

	a.Escrow = escrow.NewService(escrow.NewPGStore(pool), a.Ledger, logger.Named("escrow"), escrow.Options{
		Split:        fees.CommissionSplit(cfg.Commission),
		RefundCutoff: cfg.RefundCutoff,
		Retry:        ledgerRetry,
		Clock:        clk,
		Metrics:      a.Metrics,
		Events:       publisher,
	})

	transfers, err := a.transferProvider()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Payouts = payout.NewService(payout.NewPGStore(pool), a.Ledger, transfers, logger.Named("payout"), payout.Options{
		Fee:           cfg.PayoutFee,
		Timeout:       cfg.PayoutTimeout,
		MaxRequeries:  cfg.PayoutMaxRequeries,
		ProviderRetry: providerRetry,
		LedgerRetry:   ledgerRetry,
		Clock:         clk,
		Metrics:       a.Metrics,
		Events:        publisher,
		Alerter:       alerter,
	})

	if cfg.PaystackSecretKey != "" {
		accounts := paystack.New(cfg.PaystackBaseURL, cfg.PaystackSecretKey, cfg.ProviderTimeout)
		a.Accounts = vaccount.NewProvisioner(vaccount.NewPGStore(pool), a.Ledger, accounts, logger.Named("vaccount"), vaccount.Options{
			Retry:   providerRetry,
			Clock:   clk,
			Metrics: a.Metrics,
		})
	} else {
		logger.Warn("PAYSTACK_SECRET_KEY not set, virtual accounts disabled")
	}

	a.Webhooks = webhook.NewReconciler(a.Guard, a.Escrow, a.Payouts, logger.Named("webhook"),
		webhook.Options{Metrics: a.Metrics, Alerter: alerter},
		a.webhookAdapters()...,
	)
	return a, nil
}

// API returns the HTTP handler over the wired services.
func (a *App) API() *api.Handler {
	return &api.Handler{
		Ledger:   a.Ledger,
		Escrow:   a.Escrow,
		Payouts:  a.Payouts,
		Accounts: a.Accounts,
		Webhooks: a.Webhooks,
		Guard:    a.Guard,
		Metrics:  a.Metrics,
		Ready:    a.Ready,
		Logger:   a.Logger.Named("api"),
	}
}

// Ready pings Postgres and, when configured, Redis.
func (a *App) Ready(ctx context.Context) error {
	if err := a.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) publisher() events.Publisher {
	if len(a.Config.KafkaBrokers) == 0 {
		a.Logger.Info("KAFKA_BROKERS not set, settlement events are not published")
		return events.Nop{}
	}
	p := events.NewKafkaPublisher(a.Config.KafkaBrokers, a.Config.KafkaTopic, a.Logger.Named("events"))
	a.closers = append(a.closers, p.Close)
	return p
}

func (a *App) alerter() wallet.Alerter {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: a.Config.RedisAddr})
	e := alerts.NewEnqueuer(client, a.Config.AdminAlertEmail)
	a.closers = append(a.closers, e.Close)
	return e
}

func (a *App) idempotencyStore(ctx context.Context, clk clock.Clock) (idempotency.Store, error) {
	switch a.Config.IdempotencyBackend {
	case "memory":
		a.Logger.Warn("idempotency records kept in memory, they will not survive a restart")
		return idempotency.NewMemoryStore(clk), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: a.Config.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.Redis = rdb
		return idempotency.NewRedisStore(rdb, clk), nil
	default:
		s := idempotency.NewPGStore(a.Pool, clk)
		a.Keys = s
		return s, nil
	}
}

func (a *App) transferProvider() (provider.TransferProvider, error) {
	cfg := a.Config
	switch cfg.TransferProvider {
	case "flutterwave":
		if cfg.FlutterwaveSecretKey == "" {
			return nil, errors.New("FLUTTERWAVE_SECRET_KEY is required for flutterwave transfers")
		}
		return flutterwave.New(cfg.FlutterwaveBaseURL, cfg.FlutterwaveSecretKey, cfg.ProviderTimeout), nil
	default:
		if cfg.PaystackSecretKey == "" {
			return nil, errors.New("PAYSTACK_SECRET_KEY is required for paystack transfers")
		}
		return paystack.New(cfg.PaystackBaseURL, cfg.PaystackSecretKey, cfg.ProviderTimeout), nil
	}
}

func (a *App) webhookAdapters() []provider.WebhookAdapter {
	var adapters []provider.WebhookAdapter
	if a.Config.PaystackSecretKey != "" {
		adapters = append(adapters, paystack.NewWebhook(a.Config.PaystackSecretKey))
	}
	if a.Config.FlutterwaveSecretHash != "" {
		adapters = append(adapters, flutterwave.NewWebhook(a.Config.FlutterwaveSecretHash))
	}
	return adapters
}
