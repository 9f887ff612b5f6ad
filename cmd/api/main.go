package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/nanobanana/backend/internal/auth"
	"github.com/nanobanana/backend/internal/cache"
	"github.com/nanobanana/backend/internal/config"
	"github.com/nanobanana/backend/internal/generation"
	"github.com/nanobanana/backend/internal/imagegen"
	"github.com/nanobanana/backend/internal/ledger"
	"github.com/nanobanana/backend/internal/middleware"
	"github.com/nanobanana/backend/internal/notify"
	"github.com/nanobanana/backend/internal/payments"
	"github.com/nanobanana/backend/internal/referral"
	"github.com/nanobanana/backend/internal/router"
	"github.com/nanobanana/backend/internal/schema"
	"github.com/nanobanana/backend/internal/yookassa"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	if err := schema.Apply(ctx, pool); err != nil {
		slog.Error("Schema apply failed", "error", err)
		os.Exit(1)
	}

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

	redisClient, err := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		slog.Error("Cannot reach Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("Connected to Redis")

	var notifier notify.Notifier = notify.Nop{}
	if cfg.BotNotifyURL != "" {
		notifier = notify.NewBotClient(cfg.BotNotifyURL, cfg.BotNotifyToken, logger)
	}

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo, logger)
	ledgerHandler := ledger.NewHandler(ledgerSvc, logger)

	// Referrals
	referralRepo := referral.NewRepository(pool)
	referralSvc := referral.NewService(referralRepo, ledgerSvc, cfg, logger)
	referralHandler := referral.NewHandler(referralSvc, logger)

	// Payments
	provider := yookassa.NewClient(cfg.YooKassaShopID, cfg.YooKassaSecretKey)
	paymentsRepo := payments.NewRepository(pool)
	paymentsSvc := payments.NewService(paymentsRepo, ledgerSvc, provider, notifier, referralSvc, cfg, logger)
	paymentsHandler := payments.NewHandler(paymentsSvc, logger)

	// Generation: enqueue func is set after the River client is created
	// (breaks the init cycle between service and worker).
	var insertMu sync.Mutex
	var insertFn generation.EnqueueFunc
	enqueueGenerate := func(ctx context.Context, tx pgx.Tx, args imagegen.GenerateArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	limiter := cache.NewRateLimiter(redisClient, cfg.RateLimitPerHour, cfg.RateLimitWindow)
	generationRepo := generation.NewRepository(pool)
	generationSvc := generation.NewService(generationRepo, ledgerSvc, limiter, enqueueGenerate, notifier, referralSvc, cfg, logger)
	generationHandler := generation.NewHandler(generationSvc, logger)

	imageClient := imagegen.NewClient(cfg.ImageAPIBaseURL, cfg.ImageAPIKey, cfg.ImageModel)
	workers := river.NewWorkers()
	river.AddWorker(workers, imagegen.NewGenerateWorker(generationSvc, imageClient, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args imagegen.GenerateArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	authSvc := auth.NewService(cfg.ServiceTokenSecret)

	apiRouter := router.New(ledgerHandler, paymentsHandler, generationHandler, referralHandler, authSvc, cfg.AdminKeyHash)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.AdminKeyHeader},
		AllowCredentials: true,
	}).Handler(apiRouter)

	// Start River client (processes generation jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	// Watchdog for generations orphaned by worker crashes.
	go generationSvc.RunSweeper(riverCtx)

	// Expires topups whose payment webhook never arrived.
	go paymentsSvc.RunExpiry(riverCtx)

	serverAddr := "0.0.0.0:" + cfg.HTTPPort
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
