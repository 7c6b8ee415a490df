// Package scheduler runs the background maintenance jobs: audit
// retention pruning on a cron schedule, periodic config cache
// invalidation, and anomaly sweeps over the invocation metrics.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kipande/internal/config"
	"github.com/jkaninda/kipande/internal/observability"
)

// AuditPruner deletes audit events older than a cutoff. Satisfied by
// storage.AuditRepository.
type AuditPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler drives the background jobs. It runs as a goroutine in
// gateway mode and stops with the server context.
type Scheduler struct {
	cfg       *config.SchedulerConfig
	pruner    AuditPruner // nil = retention pruning disabled.
	retention time.Duration
	provider  *config.Provider                // nil = config reload disabled.
	anomaly   *observability.AnomalyDetector  // nil = anomaly sweep disabled.
	gatherer  prometheus.Gatherer             // Registry backing the sweep.
	logger    *slog.Logger

	schedule cron.Schedule
}

// New creates a Scheduler. The retention cron spec is parsed eagerly
// so a bad schedule fails at startup, not at 03:00.
func New(cfg *config.SchedulerConfig, pruner AuditPruner, retention time.Duration, logger *slog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.RetentionSpec())
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", cfg.RetentionSpec(), err)
	}

	return &Scheduler{
		cfg:       cfg,
		pruner:    pruner,
		retention: retention,
		logger:    logger,
		schedule:  schedule,
	}, nil
}

// WithConfigReload enables periodic invalidation of the config cache.
func (s *Scheduler) WithConfigReload(p *config.Provider) *Scheduler {
	s.provider = p
	return s
}

// WithAnomalySweep enables the periodic blocked-rate sweep over the
// gathered invocation counters.
func (s *Scheduler) WithAnomalySweep(d *observability.AnomalyDetector, g prometheus.Gatherer) *Scheduler {
	s.anomaly = d
	s.gatherer = g
	return s
}

// Start begins the scheduler loops. Returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go s.retentionLoop(ctx)
	go s.periodicLoop(ctx)

	s.logger.Info("scheduler started",
		slog.String("retention_cron", s.cfg.RetentionSpec()),
		slog.String("reload_interval", s.cfg.ReloadInterval().String()),
	)
	return cancel
}

// retentionLoop sleeps until each cron activation and prunes.
func (s *Scheduler) retentionLoop(ctx context.Context) {
	if s.pruner == nil {
		return
	}

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runPrune(ctx)
		}
	}
}

// runPrune deletes audit events older than the retention window.
func (s *Scheduler) runPrune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)

	pruned, err := s.pruner.PruneBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("audit retention prune failed",
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("audit retention prune completed",
		slog.Int64("pruned", pruned),
		slog.Time("cutoff", cutoff),
	)
}

// periodicLoop handles the fast jobs: config cache invalidation and
// the anomaly sweep.
func (s *Scheduler) periodicLoop(ctx context.Context) {
	if s.provider == nil && (s.anomaly == nil || s.gatherer == nil) {
		return
	}

	ticker := time.NewTicker(s.cfg.ReloadInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if s.provider != nil {
				s.provider.Invalidate()
			}
			if s.anomaly != nil && s.gatherer != nil {
				if _, err := s.anomaly.CheckGathered(s.gatherer); err != nil {
					s.logger.Warn("anomaly sweep failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}
