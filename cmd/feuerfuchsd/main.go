package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saelo/feuerfuchs/internal/auth"
	"github.com/saelo/feuerfuchs/internal/config"
	"github.com/saelo/feuerfuchs/internal/fetch"
	"github.com/saelo/feuerfuchs/internal/sandbox"
	"github.com/saelo/feuerfuchs/internal/server"
	"github.com/saelo/feuerfuchs/internal/storage/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	})))

	store := auth.NewStore(cfg.Auth.TokenDB, []byte(cfg.Auth.Secret))

	backend, err := sandbox.NewDockerBackend(sandbox.Config{
		Image:         cfg.Sandbox.Image,
		EntryLifetime: cfg.EntryLifetime(),
		MemoryMB:      cfg.Sandbox.MemoryMB,
		CPULimit:      cfg.Sandbox.CPULimit,
	})
	if err != nil {
		return fmt.Errorf("sandbox backend: %w", err)
	}
	defer backend.Close()

	deps := server.Deps{
		Opts:    server.OptionsFromConfig(cfg),
		Store:   store,
		Ctrl:    backend,
		Gate:    sandbox.NewGate(backend, cfg.Sandbox.MaxContainers),
		Metrics: server.NewMetrics(),
	}

	if cfg.Fetch.Enabled {
		deps.Fetcher = fetch.New(cfg.Fetch.Dir, cfg.FetchTimeout())
	}

	if cfg.Audit.Enabled {
		db, err := sqlite.Open(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate audit db: %w", err)
		}
		deps.Audit = sqlite.NewAttemptStore(db)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.MetricsPort > 0 {
		startMetricsServer(ctx, cfg.Server.MetricsPort, deps.Metrics)
	}

	return server.New(cfg, deps).ListenAndServe(ctx)
}

func startMetricsServer(ctx context.Context, port int, metrics *server.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}

	go func() {
		slog.Info("metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
