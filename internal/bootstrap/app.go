// Package bootstrap builds the application graph from configuration and runs it
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"signal_router/internal/alert"
	"signal_router/internal/allocator"
	"signal_router/internal/config"
	"signal_router/internal/core"
	"signal_router/internal/engine"
	"signal_router/internal/infrastructure/health"
	"signal_router/internal/instruments"
	"signal_router/internal/journal"
	"signal_router/internal/ledger"
	"signal_router/internal/lifecycle"
	"signal_router/internal/positions"
	"signal_router/internal/queue"
	"signal_router/internal/reconcile"
	"signal_router/internal/server"
	"signal_router/internal/storage"
	"signal_router/pkg/concurrency"
	"signal_router/pkg/liveserver"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Runner is a component that runs until ctx ends
type Runner interface {
	Run(ctx context.Context) error
}

type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// App holds the wired components
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	Accounts   *AccountSet
	Notifier   *alert.AlertManager
	Queue      queue.Queue
	Reconciler *reconcile.Reconciler
	Health     *health.Manager
	Hub        *liveserver.Hub

	runners []Runner
	closers []func() error
}

// New wires every component. The returned App owns the database and queue handles; call Close.
func New(ctx context.Context, cfg *config.Config, logger core.ILogger) (app *App, err error) {
	if err := CheckPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	a := &App{Cfg: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Notifier = newNotifier(cfg.Alerts, logger)
	a.closers = append(a.closers, func() error {
		a.Notifier.Close(10 * time.Second)
		return nil
	})

	a.Accounts, err = NewAccountSet(cfg, logger)
	if err != nil {
		return a, err
	}

	db, err := storage.OpenSQLite(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, db.Close)

	defaults := core.RiskConfig{
		FixedRiskUSD:     decimal.NewFromFloat(cfg.Risk.DefaultFixedRiskUSD),
		BufferPercentage: decimal.NewFromFloat(cfg.Risk.DefaultBufferPercentage),
	}
	riskLedger := ledger.NewSQLiteLedger(db, defaults, logger)
	if err := riskLedger.SeedRiskConfig(ctx, defaults); err != nil {
		return a, fmt.Errorf("failed to seed risk config: %w", err)
	}
	store := positions.NewSQLiteStore(db)

	if a.Queue, err = newQueue(ctx, cfg.Queue, db, logger); err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.Queue.Close)

	tradeJournal, err := newJournal(cfg.Journal, logger)
	if err != nil {
		return a, err
	}
	if gj, ok := tradeJournal.(*journal.GormJournal); ok {
		a.closers = append(a.closers, gj.Close)
	}

	a.Hub = liveserver.NewHub(logger.WithField("component", "live_feed"), "sync_report")
	feed := liveserver.NewFeed(a.Hub, logger.WithField("component", "live_feed"), liveserver.FeedConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Production:     cfg.App.Venue == "bybit" && !cfg.Accounts.Testnet,
	})

	cache := instruments.NewCache(a.Accounts, logger)
	alloc := allocator.New(a.Accounts, riskLedger, store, cache, a.Notifier, a.Hub, logger)
	lc := lifecycle.NewController(a.Accounts, riskLedger, store, tradeJournal, a.Notifier, a.Hub, logger)
	eng := engine.New(alloc, lc, a.Notifier, logger)

	var handler queue.Handler = eng
	var durable *engine.DurableHandler
	if cfg.App.EngineType == "dbos" {
		dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
			AppName:     cfg.Telemetry.ServiceName,
			DatabaseURL: cfg.App.DatabaseURL.Reveal(),
		})
		if err != nil {
			return a, fmt.Errorf("failed to create DBOS context: %w", err)
		}
		durable = engine.NewDurableHandler(dbosCtx, eng, logger)
		durable.Register()
		handler = durable
	}
	worker := queue.NewWorker(a.Queue, handler, cfg.Queue.MinInterval, cfg.Queue.DrainTimeout, logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "reconcile",
		MaxWorkers:  cfg.Reconcile.Workers,
		MaxCapacity: 100,
	}, logger)
	a.closers = append(a.closers, func() error {
		pool.Stop()
		return nil
	})
	a.Reconciler = reconcile.NewReconciler(a.Accounts, store, a.Notifier, pool, logger, cfg.Reconcile.Interval)
	a.Reconciler.SetPublisher(a.Hub)

	var workerUp atomic.Bool
	a.Health = health.NewManager(logger)
	a.Health.Register("database", func() error { return pingDB(db) })
	a.Health.Register("worker", func() error {
		if !workerUp.Load() {
			return errors.New("not running")
		}
		return nil
	})
	a.Health.Register("reconciler", func() error {
		if st := a.Reconciler.GetStatus(); st.Status == "failed" {
			return errors.New(st.Error)
		}
		return nil
	})

	httpServer := server.NewServer(":"+strconv.Itoa(cfg.Server.Port), server.Deps{
		Queue:      a.Queue,
		Accounts:   a.Accounts,
		Ledger:     riskLedger,
		Store:      store,
		Reconciler: a.Reconciler,
		Manual:     lc,
		Notifier:   a.Notifier,
		Health:     a.Health,
		Feed:       feed,
		AdminToken: cfg.Server.AdminToken.Reveal(),
	}, logger)
	httpServer.UpdateStatus("venue", cfg.App.Venue)
	httpServer.UpdateStatus("engine", cfg.App.EngineType)
	httpServer.UpdateStatus("queue", cfg.Queue.Backend)

	var grpcHealth *server.GRPCHealth
	if cfg.Server.GRPCPort > 0 {
		grpcHealth = server.NewGRPCHealth(":"+strconv.Itoa(cfg.Server.GRPCPort), logger)
	}

	a.runners = append(a.runners,
		RunnerFunc(func(ctx context.Context) error {
			a.Hub.Run(ctx)
			return nil
		}),
		httpServer,
		RunnerFunc(func(ctx context.Context) error {
			if durable != nil {
				if err := durable.Start(ctx); err != nil {
					return fmt.Errorf("failed to launch DBOS: %w", err)
				}
				defer durable.Stop()
			}
			workerUp.Store(true)
			if grpcHealth != nil {
				grpcHealth.SetServing(true)
			}
			defer func() {
				workerUp.Store(false)
				if grpcHealth != nil {
					grpcHealth.SetServing(false)
				}
			}()
			return worker.Run(ctx)
		}),
		RunnerFunc(func(ctx context.Context) error {
			if err := a.Reconciler.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return a.Reconciler.Stop()
		}),
	)
	if grpcHealth != nil {
		a.runners = append(a.runners, grpcHealth)
	}
	return a, nil
}

// Run blocks until SIGINT/SIGTERM or a runner fails
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

func (a *App) RunContext(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting signal router",
		"venue", a.Cfg.App.Venue,
		"engine", a.Cfg.App.EngineType,
		"accounts", len(a.Accounts.IDs()))
	a.announce(ctx)

	for _, r := range a.runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Signal router stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Signal router shut down gracefully")
	return nil
}

func (a *App) announce(ctx context.Context) {
	a.Notifier.Notify(ctx, core.Notification{
		Severity: core.SeverityInfo,
		Title:    "Signal router started",
		Message: fmt.Sprintf("Active accounts: %d of %d\nQueue: %s, engine: %s",
			len(a.Accounts.IDs()), a.Cfg.Accounts.Max, a.Cfg.Queue.Backend, a.Cfg.App.EngineType),
		Fields: map[string]string{"venue": a.Cfg.App.Venue, "port": strconv.Itoa(a.Cfg.Server.Port)},
	})
}

// Close releases resources in reverse order of acquisition
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("Error during shutdown", "error", err)
		}
	}
	a.closers = nil
}

func newNotifier(cfg config.AlertsConfig, logger core.ILogger) *alert.AlertManager {
	am := alert.NewAlertManager(logger)
	am.AddChannel(alert.NewLogChannel(logger))
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		am.AddChannel(alert.NewTelegramChannel(cfg.TelegramToken.Reveal(), cfg.TelegramChatID))
	}
	if cfg.SlackWebhookURL != "" {
		am.AddChannel(alert.NewSlackChannel(cfg.SlackWebhookURL.Reveal()))
	}
	return am
}

func newQueue(ctx context.Context, cfg config.QueueConfig, db *sql.DB, logger core.ILogger) (queue.Queue, error) {
	opts := queue.Options{Capacity: cfg.Capacity, MaxAttempts: cfg.MaxAttempts}
	if cfg.Backend == "memory" {
		return queue.NewMemoryQueue(opts, logger), nil
	}
	q, err := queue.NewSQLiteQueue(ctx, db, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	return q, nil
}

func newJournal(cfg config.JournalConfig, logger core.ILogger) (core.IJournal, error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("No journal database configured, closed trades are only logged")
		return journal.NewLogJournal(logger), nil
	}
	j, err := journal.NewPostgresJournal(cfg.PostgresDSN.Reveal(), logger)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func pingDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
