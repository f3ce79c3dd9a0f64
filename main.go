package main

import (
	"context"
	"flag"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"

	"execledger/config"
	"execledger/internal/adapters/httpapi"
	"execledger/internal/adapters/logger"
	"execledger/internal/adapters/memstore"
	"execledger/internal/adapters/redis"
	"execledger/internal/adapters/sqlstore"
	"execledger/internal/app"
	"execledger/internal/execution"
	"execledger/internal/ledger"
	"execledger/internal/ports"
	"execledger/internal/risk"
)

func main() {
	configPath := flag.String("config", os.Getenv("EXECLEDGER_CONFIG"), "path to an optional TOML config file")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(logger.Config{Level: cfg.Log.Level, Encoding: cfg.Log.Format})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.Log.Level, "mode": cfg.Execution.Mode})

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error(context.Background(), err, "Application exited with error")
		_ = appLogger.Sync()
		os.Exit(1)
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
}

func run(ctx context.Context, cfg *config.Config, appLogger ports.Logger) error {
	// 3. Initialize the ledger store
	var store ports.LedgerStore
	if cfg.Database.Driver == "memory" {
		appLogger.Warn(ctx, "Using in-memory ledger store; history is lost on exit")
		store = memstore.New()
	} else {
		repo, err := sqlstore.NewRepository(sqlstore.Config{
			Driver: cfg.Database.Driver,
			DSN:    cfg.Database.DSN,
			Logger: appLogger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := repo.Close(); err != nil {
				appLogger.Error(context.Background(), err, "Error closing ledger repository")
			}
		}()
		store = repo
	}
	appLogger.Info(ctx, "Ledger store initialized", map[string]interface{}{"driver": cfg.Database.Driver})

	// 4. Optional Redis: cross-process position locks and the action bus
	var (
		locker    ports.PositionLocker
		publisher ports.ActionPublisher
	)
	if cfg.Redis.Addr != "" {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()
		locker = redis.NewLockManager(rc)
		publisher = redis.NewActionBus(rc, cfg.Redis.ActionChannel, cfg.Redis.ActionStream)
		appLogger.Info(ctx, "Redis initialized", map[string]interface{}{"addr": cfg.Redis.Addr})
	}

	// 5. Ledger and risk
	led, err := ledger.New(ledger.Config{
		Store:        store,
		Publisher:    publisher,
		Logger:       appLogger,
		InitialCash:  config.Decimal(cfg.Ledger.InitialCash),
		WriteRetries: cfg.Ledger.WriteRetries,
	})
	if err != nil {
		return err
	}
	riskManager := risk.NewRiskManager(risk.RiskConfig{
		MaxOpenPositions:    cfg.Risk.MaxOpenPositions,
		MaxPositionNotional: config.Decimal(cfg.Risk.MaxPositionNotional),
		StopLossPercent:     config.Decimal(cfg.Risk.StopLossPercent),
		TakeProfitPercent:   config.Decimal(cfg.Risk.TakeProfitPercent),
	})

	// 6. Execution backend and facade
	backend, err := execution.NewBackend(ctx, execution.FactoryConfig{
		Mode:        cfg.Execution.Mode,
		ConfirmLive: cfg.Execution.ConfirmLive,
		Broker: execution.BrokerConfig{
			KeyID:      cfg.Alpaca.KeyID,
			SecretKey:  cfg.Alpaca.SecretKey,
			PaperURL:   cfg.Alpaca.PaperURL,
			LiveURL:    cfg.Alpaca.LiveURL,
			Timeout:    cfg.Execution.Timeout(),
			MaxRetries: cfg.Execution.MaxRetries,
			RetryMin:   cfg.Execution.RetryMin(),
			RetryMax:   cfg.Execution.RetryMax(),
		},
		Ledger: led,
		Risk:   riskManager,
		Logger: appLogger,
	})
	if err != nil {
		return err
	}
	adapter, err := execution.New(execution.Config{
		Backend:  backend,
		Locker:   locker,
		Ledger:   led,
		Logger:   appLogger,
		Timeout:  cfg.Execution.Timeout(),
		LockTTL:  cfg.Execution.LockTTL(),
		LockWait: cfg.Execution.LockWait(),
	})
	if err != nil {
		return err
	}
	appLogger.Info(ctx, "Execution adapter initialized", map[string]interface{}{"backend": adapter.Name()})

	// 7. Trade lifecycle and scheduler
	intents := app.NewIntentQueue()
	lifecycle, err := app.NewTradeLifecycle(app.Config{
		Adapter:            adapter,
		Intents:            intents,
		Prices:             app.NewPriceBook(),
		Positions:          led,
		Risk:               riskManager,
		Logger:             appLogger,
		TrimPercent:        config.Decimal(cfg.Risk.TrimPercent),
		BreakevenAfterTrim: cfg.Risk.BreakevenAfterTrim,
		Parallelism:        cfg.Scheduler.Parallelism,
	})
	if err != nil {
		return err
	}
	// Reconcile is a no-op for the simulation backend.
	scheduler, err := app.NewScheduler(app.SchedulerConfig{
		TickSpec:      cfg.Scheduler.TickSpec,
		ReconcileSpec: cfg.Scheduler.ReconcileSpec,
	}, lifecycle, adapter, appLogger)
	if err != nil {
		return err
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// 8. REST facade, blocks until a signal arrives
	server, err := httpapi.New(httpapi.Config{
		Adapter:   adapter,
		Ledger:    led,
		Lifecycle: lifecycle,
		Intents:   intents,
		Logger:    appLogger,
		Addr:      cfg.HTTP.Addr,
		Prefix:    cfg.HTTP.Prefix,
		Debug:     cfg.Log.Level == "debug",
	})
	if err != nil {
		return err
	}
	return server.Run(ctx)
}
