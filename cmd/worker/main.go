package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/219WD/videoporteroqr-core/internal/config"
	"github.com/219WD/videoporteroqr-core/internal/push"
	"github.com/219WD/videoporteroqr-core/internal/repository/postgres"
	"github.com/219WD/videoporteroqr-core/pkg/logger"
	"github.com/219WD/videoporteroqr-core/pkg/metrics"
	"github.com/219WD/videoporteroqr-core/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLog := logger.NewLogger(nil)
	m := metrics.NewMetrics("videoporteroqr", "worker")

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	outboxRepo := postgres.NewOutboxRepository(db)
	gateway := push.NewGateway(cfg.Push)

	processor := worker.NewOutboxProcessor(outboxRepo, gateway, worker.OutboxProcessorConfig{
		BatchSize:     cfg.Outbox.BatchSize,
		PollInterval:  cfg.Outbox.PollInterval,
		RetryAttempts: cfg.Outbox.RetryAttempts,
		RetryDelay:    cfg.Outbox.RetryDelay,
		CleanupAfter:  cfg.Outbox.CleanupAfter,
	}, appLog, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down worker...")
	cancel()
}
