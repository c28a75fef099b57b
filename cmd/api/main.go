package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/invite"
	"escrowflow/notify"
	"escrowflow/wallet"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("bootstrap database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	identitySvc := identity.NewService(identity.NewRepository(pool), cfg.JWTSecret)
	escrowRepo := escrow.NewRepository(pool)
	inviteRepo := invite.NewRepository(pool)

	escrowSvc := escrow.NewService(pool, escrowRepo, wallet.NewRecorder(),
		dispute.NewRepository(pool), identitySvc, invite.NewIssuer(inviteRepo, 7*24*time.Hour),
		cfg.MinAmount())
	inviteSvc := invite.NewService(pool, inviteRepo, escrowRepo)

	dispatcher := notify.NewDispatcher(notify.NewStore(pool),
		notify.NewSlogGateway(log), log, cfg.OutboxBatchSize, 5*time.Second)

	log.Info("escrow engine ready",
		"escrow_service", escrowSvc != nil,
		"invite_service", inviteSvc != nil,
		"app_url", cfg.AppURL)

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("dispatcher stopped", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
