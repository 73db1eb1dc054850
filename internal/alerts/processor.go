package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const resumeBatch = 100

type PayoutSweeper interface {
	RequeryStale(ctx context.Context) (int, error)
}

type EscrowResumer interface {
	ResumePending(ctx context.Context, limit int) (int, error)
}

// KeyPurger drops expired idempotency records.
type KeyPurger interface {
	Purge(ctx context.Context) (int64, error)
}

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Handlers process the settlement background tasks. A nil Mailer, or an
// alert with no recipient, is logged only.
type Handlers struct {
	Payouts PayoutSweeper
	Escrow  EscrowResumer
	Keys    KeyPurger
	Mailer  Mailer
	Logger  *zap.Logger
}

func (h Handlers) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func NewServeMux(h Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskAdminAlert, h.handleAdminAlert)
	mux.HandleFunc(TaskPayoutSweep, h.handlePayoutSweep)
	mux.HandleFunc(TaskEscrowResume, h.handleEscrowResume)
	mux.HandleFunc(TaskKeyPurge, h.handleKeyPurge)
	return mux
}

func (h Handlers) handleAdminAlert(ctx context.Context, t *asynq.Task) error {
	var p AdminAlertPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode admin alert: %v: %w", err, asynq.SkipRetry)
	}
	log := h.logger().With(zap.String("severity", p.Severity))
	if h.Mailer == nil || p.Envelope.To == "" {
		log.Warn("admin alert", zap.String("message", p.Message))
		return nil
	}
	if err := h.Mailer.Send(ctx, p.Envelope.To, p.Envelope.Subject, p.Envelope.Body); err != nil {
		log.Error("admin alert send failed", zap.Error(err))
		return err
	}
	log.Info("admin alert sent", zap.String("to", p.Envelope.To))
	return nil
}

func (h Handlers) handlePayoutSweep(ctx context.Context, _ *asynq.Task) error {
	if h.Payouts == nil {
		return nil
	}
	n, err := h.Payouts.RequeryStale(ctx)
	if n > 0 {
		h.logger().Info("payout sweep resolved payouts", zap.Int("resolved", n))
	}
	if err != nil {
		return fmt.Errorf("payout sweep: %w", err)
	}
	return nil
}

func (h Handlers) handleEscrowResume(ctx context.Context, _ *asynq.Task) error {
	if h.Escrow == nil {
		return nil
	}
	n, err := h.Escrow.ResumePending(ctx, resumeBatch)
	if n > 0 {
		h.logger().Info("escrow resume completed holds", zap.Int("completed", n))
	}
	if err != nil {
		return fmt.Errorf("escrow resume: %w", err)
	}
	return nil
}

func (h Handlers) handleKeyPurge(ctx context.Context, _ *asynq.Task) error {
	if h.Keys == nil {
		return nil
	}
	n, err := h.Keys.Purge(ctx)
	if err != nil {
		return fmt.Errorf("idempotency purge: %w", err)
	}
	if n > 0 {
		h.logger().Info("purged expired idempotency keys", zap.Int64("purged", n))
	}
	return nil
}

// Worker runs the task server and the periodic sweep scheduler.
type Worker struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	every     time.Duration
	logger    *zap.Logger
}

func NewWorker(redisAddr string, h Handlers, sweepEvery time.Duration, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	sugar := logger.Sugar()
	return &Worker{
		server: asynq.NewServer(opts, asynq.Config{
			Concurrency: 5,
			Queues: map[string]int{
				QueueAlerts: 5,
				QueueSweeps: 3,
			},
			Logger: sugar,
		}),
		scheduler: asynq.NewScheduler(opts, &asynq.SchedulerOpts{Logger: sugar}),
		mux:       NewServeMux(h),
		every:     sweepEvery,
		logger:    logger,
	}
}

// Start registers the sweeps and starts processing in the background.
func (w *Worker) Start() error {
	if w.every <= 0 {
		w.every = time.Minute
	}
	spec := "@every " + w.every.String()
	for _, task := range []string{TaskPayoutSweep, TaskEscrowResume, TaskKeyPurge} {
		// at most one sweep of each kind queued per interval
		_, err := w.scheduler.Register(spec, asynq.NewTask(task, nil),
			asynq.Queue(QueueSweeps), asynq.MaxRetry(0), asynq.Unique(w.every))
		if err != nil {
			return fmt.Errorf("register %s: %w", task, err)
		}
	}
	if err := w.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := w.server.Start(w.mux); err != nil {
		w.scheduler.Shutdown()
		return fmt.Errorf("start task server: %w", err)
	}
	w.logger.Info("worker started", zap.String("sweep", spec))
	return nil
}

func (w *Worker) Shutdown() {
	w.scheduler.Shutdown()
	w.server.Shutdown()
}
