package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/219WD/videoporteroqr-core/internal/config"
	"github.com/219WD/videoporteroqr-core/internal/handler"
	flowHandler "github.com/219WD/videoporteroqr-core/internal/handler/flow"
	messageHandler "github.com/219WD/videoporteroqr-core/internal/handler/message"
	wsHandler "github.com/219WD/videoporteroqr-core/internal/handler/ws"
	"github.com/219WD/videoporteroqr-core/internal/middleware"
	"github.com/219WD/videoporteroqr-core/internal/realtime"
	"github.com/219WD/videoporteroqr-core/internal/repository/postgres"
	"github.com/219WD/videoporteroqr-core/internal/router"
	flowService "github.com/219WD/videoporteroqr-core/internal/service/flow"
	"github.com/219WD/videoporteroqr-core/internal/service/notification"
	"github.com/219WD/videoporteroqr-core/internal/service/signaling"
	threadService "github.com/219WD/videoporteroqr-core/internal/service/thread"
	"github.com/219WD/videoporteroqr-core/pkg/auth"
	"github.com/219WD/videoporteroqr-core/pkg/logger"
	redisBroker "github.com/219WD/videoporteroqr-core/pkg/messaging/redis"
	"github.com/219WD/videoporteroqr-core/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLog := logger.NewLogger(nil)
	m := metrics.NewMetrics("videoporteroqr", "core")

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	broker, err := redisBroker.NewRedisBroker(redisBroker.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer broker.Close()

	// Repositories
	flowRepo := postgres.NewFlowRepository(db)
	messageRepo := postgres.NewMessageRepository(db)
	outboxRepo := postgres.NewOutboxRepository(db)

	// Services
	dispatcher := notification.NewService(outboxRepo, broker, appLog, m)
	flowSvc := flowService.NewService(flowRepo, messageRepo, dispatcher, flowService.Config{
		ResponseDeadline: cfg.Call.ResponseDeadline,
		SweepInterval:    cfg.Call.SweepInterval,
		Retention:        cfg.Call.Retention,
		RetentionSweep:   cfg.Call.RetentionSweep,
	}, appLog, m)
	threadSvc := threadService.NewService(flowRepo, messageRepo, dispatcher, appLog)

	// Realtime channel and signaling
	hub := realtime.NewHub(appLog, m)
	relay := signaling.NewRelay(flowSvc, hub, signaling.Config{
		DisconnectGrace: cfg.Call.DisconnectGrace,
	}, appLog, m)

	// Middleware and handlers
	jwtSvc := auth.NewJWTService(cfg.JWT.Secret)
	authMiddleware := middleware.NewAuthMiddleware(jwtSvc)

	h := handler.NewHandler(db, broker.Client())
	flowH := flowHandler.NewHandler(flowSvc)
	messageH := messageHandler.NewHandler(flowSvc, threadSvc)
	wsH := wsHandler.NewHandler(hub, flowSvc, relay, cfg.Server.AllowedOrigins, appLog)

	r := router.NewRouter(authMiddleware, flowH, messageH, wsH, h, router.Config{
		RateLimitEnabled: cfg.RateLimit.Enabled,
		RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
		RateBurst:        cfg.RateLimit.Burst,
		CORS:             corsConfig(cfg.Server.AllowedOrigins),
	})
	r.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Every instance feeds broker events into its local sessions.
	if err := realtime.RunFeeder(ctx, broker, hub, appLog); err != nil {
		log.Fatal().Err(err).Msg("failed to start event feeder")
	}
	go flowSvc.RunDeadlineSweep(ctx)
	go flowSvc.RunRetentionSweep(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")

	cancel()
	relay.Close()
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited properly")
}

func corsConfig(allowedOrigins []string) middleware.CORSConfig {
	cors := middleware.DefaultCORSConfig()
	if len(allowedOrigins) > 0 {
		cors.AllowOrigins = allowedOrigins
	}
	return cors
}
