package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kipande/internal/config"
	"github.com/jkaninda/kipande/internal/gateway/httpapi"
	"github.com/jkaninda/kipande/internal/gateway/ws"
	"github.com/jkaninda/kipande/internal/ratelimit"
	"github.com/jkaninda/kipande/internal/scheduler"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `kipande --config path` and `kipande serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts Kipande in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	configPath := goutils.Env("KIPANDE_CONFIG", serveConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &config.GatewayConfig{Enabled: true}
		}
		cfg.Gateway.ListenAddr = servePort
	}

	if cfg.Gateway == nil || !cfg.Gateway.Enabled {
		return fmt.Errorf("gateway is not enabled in config (set gateway.enabled)")
	}

	logger.Info("starting in server mode", slog.String("config", configPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Per-actor rate limiter.
	limiter := ratelimit.New(
		cfg.Gateway.RateLimit.RequestsPerMinute,
		cfg.Gateway.RateLimit.BurstSize,
	)
	limiter.StartCleanup(ctx)

	// HTTP gateway.
	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.Addr(),
		EnableDocs:     cfg.Gateway.EnableDocs,
		APIKeys:        cfg.Gateway.APIKeys,
		MaxRequestSize: cfg.Gateway.MaxRequestSize(),
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}

	gw := httpapi.NewGateway(httpCfg, sc.Engine, sc.Store.Snippets(), sc.Sanitizer, sc.Gate, limiter, logger)

	// Persisted audit trail endpoint.
	if cfg.Security.Audit != nil && cfg.Security.Audit.Persist {
		gw.WithAuditReader(sc.Store.Audit())
	}

	// WebSocket audit stream.
	if cfg.Gateway.WebSocket != nil && cfg.Gateway.WebSocket.Enabled {
		wsServer := ws.NewServer(cfg.Gateway.APIKeys, sc.Gate, logger)
		sc.Audit.Subscribe(wsServer.Observer())
		gw.WithHandler(cfg.Gateway.WebSocket.WSPath(), wsServer.Handler())
		logger.Debug("websocket audit stream mounted",
			slog.String("path", cfg.Gateway.WebSocket.WSPath()),
		)
	}

	// Background jobs.
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		var pruner scheduler.AuditPruner
		if cfg.Security.Audit != nil && cfg.Security.Audit.Persist {
			pruner = sc.Store.Audit()
		}

		sched, err := scheduler.New(cfg.Scheduler, pruner, cfg.Security.Audit.Retention(), logger)
		if err != nil {
			return err
		}

		provider := config.NewProvider(configPath, cfg.Scheduler.ReloadInterval())
		sched.WithConfigReload(provider)

		if sc.Obs != nil && sc.Obs.Anomaly != nil && sc.Obs.Metrics != nil {
			sched.WithAnomalySweep(sc.Obs.Anomaly, sc.Obs.Metrics.Registry)
		}

		cancelSched := sched.Start(ctx)
		defer cancelSched()
	}

	// Start the gateway and wait for signal or server error.
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}
