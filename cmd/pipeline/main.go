// Command pipeline runs the incremental sales ETL, either once or on a
// schedule with the ops API alongside.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/JonMunkholm/salesetl/internal/config"
	"github.com/JonMunkholm/salesetl/internal/logging"
	"github.com/JonMunkholm/salesetl/internal/metadata"
	"github.com/JonMunkholm/salesetl/internal/pipeline"
	"github.com/JonMunkholm/salesetl/internal/warehouse"
	"github.com/JonMunkholm/salesetl/internal/web"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run())
}

// run wires the pipeline and returns the process exit code: 0 for a
// completed run or a clean shutdown, 1 otherwise.
func run() int {
	// Load .env file if it exists; real environment variables win.
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if cfg.NeedsDatabase() {
		pool, err = connect(ctx, cfg.Database)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			return 1
		}
		defer pool.Close()

		if err := warehouse.Migrate(cfg.Database.URL, slog.Default()); err != nil {
			slog.Error("failed to migrate database", "error", err)
			return 1
		}
	}

	var wh warehouse.Warehouse
	switch cfg.Pipeline.StoreBackend {
	case config.BackendPostgres:
		wh = warehouse.NewPostgres(pool)
	default:
		slog.Warn("using in-memory warehouse; loaded data is lost on exit")
		wh = warehouse.NewMemory()
	}

	var meta metadata.Store
	switch cfg.Metadata.Backend {
	case config.BackendPostgres:
		meta = metadata.NewPostgresStore(pool)
	default:
		meta = metadata.NewFileStore(cfg.Metadata.Path, cfg.Metadata.LockStaleAfter)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch, err := pipeline.New(cfg.Pipeline, cfg.Quality, wh, meta,
		pipeline.WithMetrics(pipeline.NewMetrics(reg)))
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		return 1
	}

	if cfg.Pipeline.Mode == config.ModeOnce {
		rep, err := orch.Run(ctx)
		if err != nil {
			slog.Error("run failed", "error", err, "run_id", runID(rep))
			return 1
		}
		return 0
	}

	var server *web.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		opts := []web.Option{
			web.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
			web.WithSecurity(cfg.Security),
			web.WithBaseContext(ctx),
		}
		if pool != nil {
			opts = append(opts, web.WithDatabase(pool))
		}
		server = web.NewServer(orch, wh, opts...)
		go func() {
			if err := server.Start(cfg.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	sched := pipeline.NewScheduler(orch, cfg.Pipeline.ScheduleInterval)
	schedErr := make(chan error, 1)
	go func() { schedErr <- sched.Start(ctx) }()

	code := 0
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		slog.Error("ops server failed", "error", err)
		code = 1
	case err := <-schedErr:
		if err != nil {
			slog.Error("scheduler failed", "error", err)
			code = 1
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// A cancelled run stops at its next checkpoint; give it the shutdown
	// budget to get there and release the metadata lock.
	if orch.Guard().Active() {
		slog.Info("waiting for the active run to stop")
		if err := orch.Guard().WaitForDrain(shutdownCtx); err != nil {
			slog.Warn("run did not stop in time", "error", err)
		}
	}

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}
	return code
}

// connect opens the pool with the configured limits and verifies it.
func connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}

func runID(rep *pipeline.Report) string {
	if rep == nil {
		return ""
	}
	return rep.RunID
}
