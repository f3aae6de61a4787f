// Command agentq runs the per-thread agent job queue.
//
// Subcommands:
//
//	serve    HTTP API + embedded pollers (single-node deployments)
//	worker   pollers only, sharing the database with one or more API nodes
//	migrate  run pending database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database so time.LoadLocation works in
	// distroless containers.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scarson/agentq/internal/api"
	"github.com/scarson/agentq/internal/config"
	"github.com/scarson/agentq/internal/executor"
	"github.com/scarson/agentq/internal/queue"
	"github.com/scarson/agentq/internal/store"
	"github.com/scarson/agentq/internal/worker"
	"github.com/scarson/agentq/internal/workspace"
	"github.com/scarson/agentq/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "agentq",
		Short: "agentq: one active agent run per thread",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	var pollers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and embedded pollers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, pollers)
		},
	}
	cmd.Flags().IntVar(&pollers, "pollers", 1, "embedded pollers to run (0 disables)")
	return cmd
}

func runServe(cmd *cobra.Command, pollers int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	svc := queue.New(st)
	svc.SetLogger(logger)

	execs := newExecutors(cfg)
	if len(execs.Names()) == 0 && pollers > 0 {
		slog.Warn("no executors configured; embedded pollers disabled (set EXECUTOR_URL)")
		pollers = 0
	}
	ps, err := newPollers(cfg, svc, execs, pollers, logger)
	if err != nil {
		return err
	}

	apiSrv := api.NewServer(svc, st, cfg)
	defer apiSrv.Close()

	// WriteTimeout intentionally omitted: await endpoints hold the response
	// open for up to AWAIT_MAX_WAIT.
	srv := &http.Server{ //nolint:exhaustruct // WriteTimeout intentionally omitted
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	startPollers(gctx, g, ps)

	g.Go(func() error {
		<-gctx.Done()
		for _, p := range ps {
			p.Stop()
		}
		slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
		)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil { //nolint:contextcheck // shutdown outlives the cancelled ctx
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	var pollers int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start standalone pollers (no HTTP server)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, pollers)
		},
	}
	cmd.Flags().IntVar(&pollers, "pollers", 1, "pollers to run in this process")
	return cmd
}

func runWorker(cmd *cobra.Command, pollers int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if pollers < 1 {
		return errors.New("--pollers must be at least 1")
	}
	execs := newExecutors(cfg)
	if len(execs.Names()) == 0 {
		return errors.New("no executors configured (set EXECUTOR_URL)")
	}

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	svc := queue.New(store.New(db))
	svc.SetLogger(logger)
	ps, err := newPollers(cfg, svc, execs, pollers, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	startPollers(gctx, g, ps)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("stopping pollers; waiting for in-flight jobs")
		for _, p := range ps {
			p.Stop()
		}
		return nil
	})
	slog.Info("worker started", "pollers", len(ps), "executors", execs.Names())
	return g.Wait()
}

// newExecutors registers the executors enabled by cfg.
func newExecutors(cfg *config.Config) *executor.Registry {
	reg := executor.NewRegistry()
	if cfg.ExecutorURL != "" {
		reg.Register(cfg.ExecutorName, executor.NewHTTPExecutor(executor.HTTPConfig{
			URL:               cfg.ExecutorURL,
			SigningSecret:     cfg.ExecutorSecret,
			RequestsPerSecond: cfg.ExecutorRPS,
		}, executor.BuildSafeClient(cfg.ExecutorTimeout)))
	}
	return reg
}

func newPollers(cfg *config.Config, svc *queue.Service, execs *executor.Registry, n int, log *slog.Logger) ([]*worker.Poller, error) {
	if n == 0 {
		return nil, nil
	}
	ws, err := workspace.NewDirResolver(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	ps := make([]*worker.Poller, 0, n)
	for i := range n {
		owner := cfg.OwnerID(strconv.Itoa(i))
		if cfg.WorkerID != "" && n > 1 {
			owner = cfg.WorkerID + "-" + strconv.Itoa(i)
		}
		ps = append(ps, worker.NewPoller(svc, execs, ws, worker.Config{
			OwnerID:             owner,
			PollInterval:        cfg.PollInterval,
			AllowedCapabilities: cfg.AllowedCapabilities,
			MaxRunDuration:      cfg.MaxRunDuration,
			ReapInterval:        cfg.ReapInterval,
			Logger:              log,
		}))
	}
	return ps, nil
}

// startPollers runs each poller in g. Start returns once ctx is cancelled or
// Stop is called. A job already executing is not interrupted by either.
func startPollers(ctx context.Context, g *errgroup.Group, ps []*worker.Poller) {
	for _, p := range ps {
		g.Go(func() error {
			p.Start(ctx)
			return nil
		})
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMigrate(down)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back all migrations instead")
	return cmd
}

func runMigrate(down bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations", "down", down)

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB; pgx's stdlib adapter keeps one
	// driver project-wide.
	migrateURL := cfg.DatabaseURL
	if cfg.DatabaseURLMigrate != "" {
		migrateURL = cfg.DatabaseURLMigrate
	}
	connCfg, err := pgx.ParseConfig(migrateURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	step := m.Up
	if down {
		step = m.Down
	}
	if err := step(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool: PgBouncer-compatible exec mode,
// statement timeout, and pool sizing from cfg.
//
// Retries up to 10 times with linear backoff to ride out container startup
// races where Postgres is not yet accepting connections.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) so the timer is released if ctx
		// is cancelled first.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: catches deployments where migrations
	// haven't been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch; run `agentq migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
