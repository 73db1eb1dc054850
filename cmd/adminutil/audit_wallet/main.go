package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/sudo-init-do/settlement/internal/app"
	"github.com/sudo-init-do/settlement/internal/apperr"
	"github.com/sudo-init-do/settlement/internal/config"
	"github.com/sudo-init-do/settlement/internal/logging"
)

func main() {
	walletID := flag.String("wallet", "", "ID of the wallet to audit")
	flag.Parse()

	if *walletID == "" {
		log.Fatalf("usage: go run cmd/adminutil/audit_wallet/main.go -wallet <wallet-id>")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	rep, err := a.Ledger.Audit(ctx, *walletID)
	if err != nil && !errors.Is(err, apperr.ErrIrrecoverableMismatch) {
		log.Fatalf("audit failed: %v", err)
	}
	fmt.Printf("%+v\n", *rep)
	if err != nil {
		log.Fatalf("wallet %s frozen: %v", *walletID, err)
	}
	fmt.Printf("Wallet %s is consistent.\n", *walletID)
}
