// Command attachq runs the attachment download job manager with its control
// API. It loads configuration, opens the job store, and schedules downloads
// until SIGINT / SIGTERM. SIGHUP reloads the retry policy from the config file.
//
// Usage:
//
//	attachq [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/snehjoshi/attachq/internal/backoff"
	"github.com/snehjoshi/attachq/internal/config"
	"github.com/snehjoshi/attachq/internal/dlq"
	"github.com/snehjoshi/attachq/internal/download"
	"github.com/snehjoshi/attachq/internal/manager"
	"github.com/snehjoshi/attachq/internal/metrics"
	"github.com/snehjoshi/attachq/internal/node"
	"github.com/snehjoshi/attachq/internal/runner"
	"github.com/snehjoshi/attachq/internal/storage"
	"github.com/snehjoshi/attachq/internal/storage/local"
	"github.com/snehjoshi/attachq/internal/storage/postgres"
	transphttp "github.com/snehjoshi/attachq/internal/transport/http"
	transportws "github.com/snehjoshi/attachq/internal/transport/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "attachq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logger = logger.With("node_id", n.ID().String())
	slog.SetDefault(logger)

	slog.Info("attachq starting",
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", cfg.Node.DataDir,
		"storage", cfg.Storage.Driver,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── 3. Open the job store ────────────────────────────────────────────────
	store, err := openStore(ctx, cfg, n)
	if err != nil {
		return err
	}
	defer store.Close()

	ledger, err := dlq.Open(n.Path(cfg.Storage.DLQFile))
	if err != nil {
		return fmt.Errorf("open dead-letter ledger: %w", err)
	}
	defer ledger.Close()

	// ── 4. Build downloader and runner ───────────────────────────────────────
	dl, err := download.New(download.Config{
		CDNBaseURL:        cfg.Downloader.CDNBaseURL,
		BackupBaseURL:     cfg.Downloader.BackupBaseURL,
		Dir:               n.Path(cfg.Downloader.AttachmentsDir),
		Timeout:           cfg.Downloader.Timeout,
		RequestsPerSecond: cfg.Downloader.RequestsPerSecond,
		Burst:             cfg.Downloader.Burst,
	}, nil, nil)
	if err != nil {
		return fmt.Errorf("init downloader: %w", err)
	}
	rn := runner.New(dl, logger.With("component", "runner"))

	// ── 5. Build the job manager ─────────────────────────────────────────────
	var retry atomic.Pointer[backoff.Config]
	initial := cfg.Retry()
	retry.Store(&initial)

	inCall := new(atomic.Bool)
	mgr, err := manager.New(manager.Options{
		Store:             store,
		Runner:            rn,
		MaxConcurrentJobs: cfg.Downloads.MaxConcurrentJobs,
		TickInterval:      cfg.Downloads.TickInterval,
		RetryConfig:       func() backoff.Config { return *retry.Load() },
		ShouldHoldOff:     inCall.Load,
		Logger:            logger.With("component", "manager"),
	})
	if err != nil {
		return fmt.Errorf("init manager: %w", err)
	}

	// ── 6. Wire observers (metrics, event stream, dead letters) ──────────────
	metricsReg := &metrics.Registry{}
	metricsReg.Observe(mgr)
	hub := transportws.NewHub()
	hub.Observe(mgr)
	ledger.Observe(mgr)

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	// ── 7. Start HTTP / WebSocket control API ────────────────────────────────
	srv := transphttp.New(transphttp.Deps{
		NodeID:  n.ID().String(),
		Manager: mgr,
		Store:   store,
		InCall:  inCall,
		Hub:     hub,
		Metrics: metricsReg,
		DLQ:     ledger,
	}, cfg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("attachq ready", "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 8. Start dedicated Prometheus metrics listener ───────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 9. Signals: reload on SIGHUP, shut down on SIGINT / SIGTERM ──────────
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

loop:
	for {
		select {
		case <-hup:
			reloadRetry(*configPath, &retry)
		case sig := <-quit:
			slog.Info("shutting down", "signal", sig)
			break loop
		case err := <-serveErr:
			mgr.Stop()
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	// Waits for in-flight downloads to be recorded.
	mgr.Stop()

	slog.Info("attachq stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, n *node.Node) (storage.JobStore, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := local.Open(n.Path(cfg.Storage.BoltFile))
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		return s, nil
	}
}

// reloadRetry swaps the retry policy. Other settings need a restart.
func reloadRetry(path string, dst *atomic.Pointer[backoff.Config]) {
	cfg, err := config.Load(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Warn("config reload rejected", "err", err)
		return
	}
	next := cfg.Retry()
	dst.Store(&next)
	slog.Info("retry policy reloaded",
		"max_attempts", next.MaxAttempts,
		"max_backoff", next.MaxBackoff.String(),
	)
}
