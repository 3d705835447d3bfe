package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vipul43/kiwis-ledger/internal/api"
	"github.com/vipul43/kiwis-ledger/internal/classifier"
	"github.com/vipul43/kiwis-ledger/internal/config"
	"github.com/vipul43/kiwis-ledger/internal/database"
	"github.com/vipul43/kiwis-ledger/internal/extractor"
	"github.com/vipul43/kiwis-ledger/internal/gmail"
	"github.com/vipul43/kiwis-ledger/internal/ledger"
	"github.com/vipul43/kiwis-ledger/internal/logger"
	"github.com/vipul43/kiwis-ledger/internal/queue"
	"github.com/vipul43/kiwis-ledger/internal/repository"
	"github.com/vipul43/kiwis-ledger/internal/rules"
	"github.com/vipul43/kiwis-ledger/internal/service"
	"github.com/vipul43/kiwis-ledger/internal/thread"
	"github.com/vipul43/kiwis-ledger/internal/vault"
	"github.com/vipul43/kiwis-ledger/internal/watcher"
	"github.com/vipul43/kiwis-ledger/internal/worker"
)

const (
	jobTimeout      = 10 * time.Minute
	dedupWindow     = time.Minute
	sweepBatchSize  = 100
	ledgerBatchSize = 50
	healthTimeout   = 2 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	zl, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	ceiling, err := decimal.NewFromString(cfg.Rules.AutoApproveCeiling)
	if err != nil {
		return fmt.Errorf("invalid KIWIS_RULES_AUTO_APPROVE_CEILING: %w", err)
	}

	// Connect to database
	db, err := database.Connect(cfg.Database.URL, database.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()
	zl.Info("Database connected")

	if err := database.RunMigrations(db, zl); err != nil {
		return err
	}

	credentialVault, err := vault.NewFromBase64(cfg.VaultKey)
	if err != nil {
		return err
	}

	// Repositories
	accountRepo := repository.NewAccountRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	ledgerRepo := repository.NewLedgerEntryRepository(db)

	// Pipeline components
	gmailClient := gmail.NewClient(gmail.Config{
		ClientID:     cfg.Gmail.ClientID,
		ClientSecret: cfg.Gmail.ClientSecret,
		TokenURL:     cfg.Gmail.TokenURL,
		Timeout:      cfg.Sync.ProviderTimeout,
	}, zl)
	credentials := service.NewCredentialManager(credentialVault, accountRepo, gmailClient, zl)
	cls := classifier.New(classifier.Config{
		Threshold:          cfg.Classifier.Threshold,
		PrefilterThreshold: cfg.Classifier.PrefilterThreshold,
	})
	engine := rules.New(rules.Config{
		AutoApproveThreshold: cfg.Rules.AutoApproveThreshold,
		AutoRejectThreshold:  cfg.Rules.AutoRejectThreshold,
		AutoApproveCeiling:   ceiling,
		TrustedSenders:       cfg.Rules.TrustedSenders,
		TrustedMerchants:     cfg.Rules.TrustedMerchants,
		ManualReviewKeywords: cfg.Rules.ManualReviewKeywords,
	})

	jobPolicy := worker.RetryPolicy{
		MaxAttempts: cfg.Sync.MaxRetries + 1,
		Base:        cfg.Sync.BackoffBase,
		Max:         cfg.Sync.BackoffMax,
	}

	// Dispatch backend
	var (
		dispatcher  queue.Dispatcher
		local       *queue.LocalDispatcher
		pool        *worker.Pool
		asynqClient *asynq.Client
		redisOpt    asynq.RedisClientOpt
	)
	switch cfg.Worker.QueueBackend {
	case config.QueueBackendAsynq:
		redisOpt, err = queue.RedisConnOpt(cfg.Redis.URL)
		if err != nil {
			return err
		}
		asynqClient = asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		dispatcher = queue.NewAsynqDispatcher(asynqClient, jobPolicy, jobTimeout, zl)
	default:
		pool = worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, jobPolicy, zl)
		local = queue.NewLocalDispatcher(pool, zl)
		dispatcher = local
	}
	scheduler := queue.NewScheduler(dispatcher, dedupWindow)

	// Services
	approvalService := service.NewApprovalService(approvalRepo, service.NewLedgerEntryBuilder(cfg.Ledger.DefaultCurrency), engine, zl)
	accountService := service.NewAccountService(accountRepo, credentialVault, scheduler, zl)
	messageService := service.NewMessageService(messageRepo, accountRepo, gmailClient, credentials)
	syncProcessor := service.NewSyncProcessor(accountRepo, messageRepo, gmailClient, credentials, cls, scheduler, service.SyncConfig{
		Query:           cfg.Sync.Query,
		PageSize:        cfg.Sync.PageSize,
		FetchCap:        cfg.Sync.FetchCap,
		InitialLookback: cfg.Sync.InitialLookback,
		ThreadAggregate: cfg.Sync.ThreadAggregate,
	}, zl)
	extractionProcessor := service.NewExtractionProcessor(
		accountRepo, messageRepo, approvalService, approvalRepo, gmailClient, credentials,
		cls, extractor.New(), engine, thread.NewAggregator(),
		service.ExtractionConfig{MaxAttempts: jobPolicy.MaxAttempts},
		zl,
	)
	watchdog := service.NewWatchdog(accountRepo, messageRepo, scheduler, service.WatchdogConfig{
		StaleAfter:      cfg.Sync.StaleAfter,
		MaxRetries:      cfg.Sync.MaxRetries,
		BatchSize:       sweepBatchSize,
		ThreadAggregate: cfg.Sync.ThreadAggregate,
	}, zl)
	stats := service.NewStatsCollector(accountRepo, messageRepo, approvalRepo, ledgerRepo, zl)

	var entryCreator ledger.EntryCreator
	if cfg.Ledger.URL != "" {
		entryCreator = ledger.NewClient(cfg.Ledger.URL, cfg.Ledger.APIKey, cfg.Ledger.Timeout)
	} else {
		zl.Warn("KIWIS_LEDGER_URL not set, approved entries stay in the outbox")
	}
	ledgerDispatcher := ledger.NewDispatcher(ledgerRepo, entryCreator, worker.RetryPolicy{
		MaxAttempts: cfg.Ledger.MaxAttempts,
		Base:        cfg.Sync.BackoffBase,
		Max:         cfg.Sync.BackoffMax,
	}, ledgerBatchSize, zl)

	handlers := queue.NewHandlers(syncProcessor, extractionProcessor, watchdog, stats, ledgerDispatcher, zl)
	if local != nil {
		local.Bind(handlers)
	}

	periodic := watcher.New(accountRepo, scheduler, watcher.Config{
		PollInterval:     cfg.Worker.PollInterval,
		SyncInterval:     cfg.Sync.Interval,
		WatchdogInterval: cfg.Worker.WatchdogInterval,
		StatsInterval:    cfg.Worker.StatsInterval,
		LedgerInterval:   cfg.Ledger.DispatchInterval,
	}, zl)

	// Health checks
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	checks := map[string]healthcheck.Check{
		"database": healthcheck.DatabasePingCheck(sqlDB, healthTimeout),
	}
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		checks["redis"] = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
			defer cancel()
			return rdb.Ping(ctx).Err()
		}
	}

	if cfg.HTTP.JWTSecret == "" {
		zl.Warn("KIWIS_HTTP_JWT_SECRET not set, /api/v1 rejects every request")
	}
	apiServer := api.NewServer(api.Deps{
		Accounts:     accountService,
		Approvals:    approvalService,
		Messages:     messageService,
		Maintenance:  watchdog,
		Stats:        stats,
		Auth:         api.NewAuthenticator(cfg.HTTP.JWTSecret, cfg.HTTP.JWTIssuer, zl),
		HealthChecks: checks,
		Logger:       zl,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if pool != nil {
		pool.Start(gctx)
		zl.Info("Local worker pool started", zap.Int("concurrency", cfg.Worker.Concurrency))
	} else {
		srv := queue.NewServer(redisOpt, cfg.Worker.Concurrency, jobPolicy, cfg.Worker.ShutdownTimeout, zl)
		if err := srv.Start(handlers.Mux()); err != nil {
			return fmt.Errorf("failed to start asynq server: %w", err)
		}
		zl.Info("Asynq server started", zap.Int("concurrency", cfg.Worker.Concurrency))
		g.Go(func() error {
			<-gctx.Done()
			srv.Shutdown()
			return nil
		})
	}

	g.Go(func() error {
		err := periodic.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		zl.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	zl.Info("Stopping workers")

	if pool != nil {
		done := make(chan struct{})
		go func() {
			pool.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(cfg.Worker.ShutdownTimeout):
			zl.Warn("Shutdown timeout exceeded, abandoning in-flight jobs")
		}
	}

	zl.Info("Application stopped")
	return err
}
