package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sudo-init-do/settlement/internal/alerts"
	"github.com/sudo-init-do/settlement/internal/app"
	"github.com/sudo-init-do/settlement/internal/config"
	"github.com/sudo-init-do/settlement/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	h := alerts.Handlers{
		Payouts: a.Payouts,
		Escrow:  a.Escrow,
		Keys:    a.Keys,
		Logger:  logger.Named("worker"),
	}
	if cfg.PlunkAPIKey != "" {
		h.Mailer = alerts.NewPlunkMailer(cfg.PlunkAPIKey, cfg.PlunkFrom)
	} else {
		logger.Warn("PLUNK_API_KEY not set, admin alerts are logged only")
	}

	w := alerts.NewWorker(cfg.RedisAddr, h, cfg.SweepInterval, logger.Named("asynq"))
	if err := w.Start(); err != nil {
		logger.Fatal("worker start failed", zap.Error(err))
	}
	<-ctx.Done()
	logger.Info("shutting down worker")
	w.Shutdown()
}
