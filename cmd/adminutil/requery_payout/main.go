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
	id := flag.String("payout", "", "ID of the payout to requery")
	stale := flag.Bool("stale", false, "requery every payout past its timeout instead")
	flag.Parse()

	if *id == "" && !*stale {
		log.Fatalf("usage: go run cmd/adminutil/requery_payout/main.go -payout <payout-id> | -stale")
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

	if *stale {
		n, err := a.Payouts.RequeryStale(ctx)
		fmt.Printf("Resolved %d payouts.\n", n)
		if err != nil {
			log.Fatalf("sweep finished with errors: %v", err)
		}
		return
	}

	p, err := a.Payouts.Requery(ctx, *id)
	if err != nil && !errors.Is(err, apperr.ErrAlreadyResolved) {
		log.Fatalf("requery failed: %v", err)
	}
	fmt.Printf("Payout %s is %s (requeries %d).\n", p.ID, p.Status, p.RequeryAttempts)
}
