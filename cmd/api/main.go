package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/rankwatch/backend/internal/auth"
	"github.com/rankwatch/backend/internal/config"
	"github.com/rankwatch/backend/internal/db"
	"github.com/rankwatch/backend/internal/execution"
	"github.com/rankwatch/backend/internal/handlers"
	"github.com/rankwatch/backend/internal/ledger"
	"github.com/rankwatch/backend/internal/lock"
	"github.com/rankwatch/backend/internal/metrics"
	"github.com/rankwatch/backend/internal/provider"
	"github.com/rankwatch/backend/internal/repository"
	"github.com/rankwatch/backend/internal/router"
	"github.com/rankwatch/backend/internal/services"
	"github.com/rankwatch/backend/internal/tracking"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
		slog.Error("Schema migration failed. Ensure Postgres is running, e.g. make dev-up", "error", err)
		os.Exit(1)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Pass lock: Redis when configured so replicas share it, otherwise in-process.
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("Cannot reach Redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb)
		slog.Info("Using Redis pass lock")
	}

	// Ledger, catalog, provider
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool), logger, m)
	catalog := repository.NewCatalog(pool)
	results := repository.NewRankResultRepo(pool)
	if cfg.SerperAPIKey == "" {
		slog.Warn("SERPER_API_KEY not set, every rank check will fail and be refunded")
	}
	serper := provider.NewSerperProvider(cfg.SerperAPIKey, cfg.SerperBaseURL, cfg.ProviderTimeout)

	orch, err := tracking.New(tracking.Options{
		Catalog:         catalog,
		Results:         results,
		Ledger:          ledgerSvc,
		Provider:        serper,
		Locker:          locker,
		LockTTL:         cfg.Scheduler.PassLockTTL,
		Workers:         cfg.Scheduler.Workers,
		Pacing:          cfg.Scheduler.Pacing,
		CreditsPerCheck: cfg.Scheduler.CreditsPerCheck,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		slog.Error("Failed to build tracking orchestrator", "error", err)
		os.Exit(1)
	}

	// Scheduled work
	passSchedule, err := cron.ParseStandard(cfg.Scheduler.Cron)
	if err != nil {
		slog.Error("Invalid TRACKING_CRON", "error", err)
		os.Exit(1)
	}
	retentionSchedule, err := cron.ParseStandard(cfg.Scheduler.RetentionCron)
	if err != nil {
		slog.Error("Invalid RETENTION_CRON", "error", err)
		os.Exit(1)
	}

	workers := river.NewWorkers()
	execution.Register(workers,
		execution.NewTrackingPassWorker(orch, cfg.Scheduler.PassTimeout, logger),
		execution.NewRetentionWorker(results, cfg.DataRetentionDays, m, logger),
	)
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers:      workers,
		PeriodicJobs: execution.PeriodicJobs(passSchedule, retentionSchedule),
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	// HTTP
	validator, err := services.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}
	if cfg.TriggerTokenHash == "" {
		slog.Warn("TRACKING_TRIGGER_TOKEN_HASH not set, manual pass trigger disabled")
	}
	if cfg.EnableTestTracking {
		slog.Warn("Test tracking endpoint enabled")
	}

	api := router.New(router.Deps{
		Tracking: &handlers.TrackingHandler{
			Tracker:     orch,
			Catalog:     catalog,
			Results:     results,
			TestPass:    cfg.EnableTestTracking,
			PassTimeout: cfg.Scheduler.PassTimeout,
			Logger:      logger,
		},
		Credits: &handlers.CreditsHandler{
			Ledger:    ledgerSvc,
			Validator: validator,
			Logger:    logger,
		},
		Tokens:           auth.NewService(cfg.JWTSecret),
		TriggerTokenHash: cfg.TriggerTokenHash,
		Metrics:          metrics.Handler(reg),
		DB:               pool,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Trigger-Token"},
		AllowCredentials: true,
	}).Handler(api)

	riverCtx, stopRiver := context.WithCancel(context.Background())
	defer stopRiver()
	if err := riverClient.Start(riverCtx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr, "tracking_cron", cfg.Scheduler.Cron)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown", "error", err)
	}
}
