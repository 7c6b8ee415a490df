package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/kipande/internal/config"
	"github.com/jkaninda/kipande/internal/executor"
	"github.com/jkaninda/kipande/internal/interp"
	"github.com/jkaninda/kipande/internal/observability"
	"github.com/jkaninda/kipande/internal/sanitizer"
	"github.com/jkaninda/kipande/internal/security"
	"github.com/jkaninda/kipande/internal/storage"
)

// SharedComponents holds all initialized subsystems that server and
// one-shot modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *storage.Store
	Obs       *observability.Observability
	Sanitizer *sanitizer.Sanitizer
	Gate      *security.Gate
	Audit     *security.AuditLogger
	Engine    *executor.Engine

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between server
// and one-shot modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage.
	store, err := storage.Open(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Seed the surface toggles from config: when the config names
	// them, the config is the source of truth.
	if cfg.Surfaces != nil {
		if err := store.Snippets().SetSurfaceFlags(context.Background(), cfg.SurfaceSeed()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("seeding surface flags: %w", err)
		}
	}

	// Sanitizer.
	sc.Sanitizer = sanitizer.New(sanitizer.Config{
		MaxCodeBytes:      cfg.Security.MaxCodeBytes,
		ExtraBlockedCalls: cfg.Security.ExtraBlockedCalls,
		AllowedCalls:      cfg.Security.AllowedCalls,
		SyntaxCheck:       cfg.Security.SyntaxCheckEnabled(),
	})

	// Capability gate.
	sc.Gate = security.NewGate(security.GateConfig{
		ManageRole:   cfg.Security.ManageRole,
		ExecuteRoles: cfg.Security.ExecuteRoles,
	})

	// Audit logger. Database persistence is optional and additive to
	// the JSONL file.
	var auditStore security.AuditStore
	if cfg.Security.Audit != nil && cfg.Security.Audit.Persist {
		auditStore = store.Audit()
	}
	auditLogger, err := security.NewAuditLogger(
		cfg.Security.Audit.AuditEnabled(),
		cfg.AuditLogPath(),
		auditStore,
		logger,
	)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit logger: %w", err)
	}
	sc.Audit = auditLogger
	sc.addCleanup(func() {
		if err := auditLogger.Close(); err != nil {
			logger.Error("closing audit logger", slog.String("error", err.Error()))
		}
	})
	logger.Debug("audit logger initialized",
		slog.Bool("enabled", auditLogger.Enabled()),
		slog.Bool("persist", auditStore != nil),
	)

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("database", store.Ping)
	}

	// Execution engine.
	engineOpts := executor.Options{
		Store:           store.Snippets(),
		Sanitizer:       sc.Sanitizer,
		Gate:            sc.Gate,
		Audit:           auditLogger,
		Evaluator:       interp.NewLuaEvaluator(logger),
		Logger:          logger,
		Timeout:         cfg.Executor.Timeout(),
		MemoryMB:        cfg.Executor.AmbientMemoryMB(),
		MaxOutputBytes:  cfg.Executor.MaxOutput(),
		DefaultBuffered: cfg.Executor.Buffered,
	}
	if obs != nil {
		engineOpts.Metrics = obs.MetricsOrNil()
		engineOpts.Anomaly = obs.Anomaly
		if obs.Tracer != nil {
			engineOpts.Tracer = obs.Tracer.Tracer()
		}
	}
	sc.Engine = executor.New(engineOpts)
	logger.Debug("engine initialized",
		slog.String("timeout", cfg.Executor.Timeout().String()),
		slog.Int("memory_mb", cfg.Executor.AmbientMemoryMB()),
	)

	return sc, nil
}

// localActor builds the administrative identity used by local CLI
// commands. It always carries the manage role.
func localActor(cfg *config.Config) security.Actor {
	role := cfg.Security.ManageRole
	if role == "" {
		role = security.DefaultManageRole
	}
	return security.Actor{
		ID:            "cli",
		Authenticated: true,
		Roles:         map[string]bool{role: true},
	}
}
