package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"titan/internal/api"
	"titan/internal/api/handlers"
	"titan/internal/breaker"
	"titan/internal/bus"
	"titan/internal/config"
	"titan/internal/gate"
	"titan/internal/handshake"
	"titan/internal/policy"
	"titan/internal/protocol"
	"titan/internal/repository"
	"titan/internal/shadow"
	"titan/internal/websocket"
	"titan/pkg/retry"
	"titan/pkg/utils"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the risk gate: bus consumers, HTTP API, websocket events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

// runServe поднимает весь процесс. Любая ошибка конфигурации, секретов
// или политики до старта фатальна: гейт не запускается в неполном виде.
func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := utils.InitGlobalLogger(cfg.Logging.LogSettings())
	defer logger.Sync()

	keyring, err := cfg.Security.Keyring()
	if err != nil {
		return err
	}
	primary, _ := keyring.Primary()

	store, err := policy.NewStore(cfg.Guard.PolicyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	logger.Info("policy loaded",
		utils.PolicyHash(store.Hash()),
		utils.String("path", cfg.Guard.PolicyPath),
		utils.String("version", store.Current().Version()),
	)

	lock, err := breaker.NewLockfile(cfg.Guard.StateDir)
	if err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	brk := breaker.New(cfg.Breaker.BreakerSettings(), lock, logger, nil)

	hs := handshake.New(store.Hash, brk, logger, nil)
	if cfg.Guard.ExpectedPolicyHash != "" {
		if err := hs.Pin(cfg.Guard.ExpectedPolicyHash); err != nil {
			return err
		}
	}

	auth := protocol.NewAuthenticator(keyring, cfg.Guard.ReplayWindow, nil)
	state := shadow.New(cfg.Guard.InitialBalance, nil)

	var (
		audit     gate.Auditor
		history   handlers.RejectionHistory
		sink      *repository.AuditSink
		rejection *repository.RejectionRepository
	)
	if cfg.Database.Enabled {
		db, err := openDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := repository.EnsureSchema(db); err != nil {
			return err
		}

		rejection = repository.NewRejectionRepository(db)
		fills := repository.NewFillRepository(db)

		journal, err := fills.ListSince(time.Time{})
		if err != nil {
			return fmt.Errorf("load fill journal: %w", err)
		}
		applied, err := state.Restore(cfg.Guard.InitialBalance, journal)
		if err != nil {
			return fmt.Errorf("rebuild shadow state: %w", err)
		}
		logger.Info("shadow state rebuilt from fill journal",
			utils.Int("fills", applied),
			utils.Equity(state.Account().Equity),
		)

		sink = repository.NewAuditSink(rejection, fills, cfg.Guard.AuditQueue, logger)
		audit = sink
		history = rejection
	} else {
		logger.Warn("audit database disabled, rejections are kept in memory only")
	}

	eventBus := bus.NewMemory(gate.RecordBusDrop)
	defer eventBus.Close()

	hub := websocket.NewHub(websocket.NewOriginChecker(cfg.Server.AllowedOrigins), logger)

	signer, err := protocol.NewSigner(cfg.Guard.ProducerID, primary, store.Hash, nil)
	if err != nil {
		return fmt.Errorf("gate signer: %w", err)
	}

	engine, err := gate.New(gate.Config{
		Shards:     cfg.Guard.Shards,
		QueueSize:  cfg.Guard.QueueSize,
		StaleCheck: cfg.Breaker.CheckInterval,
	}, gate.Deps{
		Store:     store,
		Auth:      auth,
		Handshake: hs,
		Breaker:   brk,
		Shadow:    state,
		Bus:       eventBus,
		Signer:    signer,
		Observer:  hub,
		Audit:     audit,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	hub.SetSnapshot(func() *websocket.SnapshotMessage {
		return websocket.NewSnapshotMessage(engine.BreakerStatus().Mode.String(), store.Hash())
	})

	// после gate.New: переход в Halted из lockfile должен дойти до метрик и шины
	if err := brk.Restore(); err != nil {
		return fmt.Errorf("restore breaker state: %w", err)
	}
	logger.Info("breaker restored", utils.Mode(brk.Mode().String()))

	router := api.SetupRoutes(&api.Dependencies{
		Guard:          engine,
		Operator:       engine,
		History:        history,
		Hub:            hub,
		Credential:     cfg.Security.Credential(),
		CORSOrigins:    cfg.Server.AllowedOrigins,
		OperatorPerMin: cfg.Security.OperatorRatePerM,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if sink != nil {
		g.Go(func() error { return sink.Run(gctx) })
		if cfg.Database.Retention > 0 {
			g.Go(func() error {
				return retentionLoop(gctx, rejection, cfg.Database.Retention, logger)
			})
		}
	}

	if cfg.Guard.WatchPolicy {
		watcher, err := policy.NewWatcher(store, policy.DefaultDebounce, func(snap *policy.Snapshot, changed bool, err error) {
			gate.RecordPolicyReload(changed, err)
		}, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("http server listening", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	if sink != nil && (sink.Dropped() > 0 || sink.Failed() > 0) {
		logger.Warn("audit sink lost events",
			utils.Int64("dropped", int64(sink.Dropped())),
			utils.Int64("failed", int64(sink.Failed())),
		)
	}

	// чистое завершение снимает маркер запуска; Halted в lockfile переживает рестарт
	if err := brk.Shutdown(); err != nil {
		logger.Error("failed to mark clean shutdown", utils.Err(err))
	}
	logger.Info("guard stopped", utils.Mode(brk.Mode().String()))
	return runErr
}

// openDatabase подключается к Postgres с повторами: база может стартовать позже гейта
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *utils.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	rc := retry.StartupConfig()
	// таймаут отдельного ping - повод повторить, отмена процесса - нет
	rc.RetryIf = func(error) bool { return ctx.Err() == nil }
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("database not ready, retrying",
			utils.Int("attempt", attempt),
			utils.Err(err),
			utils.String("dsn", cfg.DSNWithoutPassword()),
		)
	}

	err = retry.Do(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}, rc)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to database", utils.String("dsn", cfg.DSNWithoutPassword()))
	return db, nil
}

// retentionLoop раз в час удаляет отклонения старше retention
func retentionLoop(ctx context.Context, repo *repository.RejectionRepository, retention time.Duration, logger *utils.Logger) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := repo.DeleteOlderThan(now.Add(-retention))
			if err != nil {
				logger.Warn("rejection retention failed", utils.Err(err))
				continue
			}
			if n > 0 {
				logger.Info("old rejections removed", utils.Int64("rows", n))
			}
		}
	}
}
