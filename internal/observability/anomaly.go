package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/kipande/internal/config"
)

// AnomalyDetector watches the blocked/completed ratio of snippet
// invocations using sliding windows. A spike in blocked invocations
// usually means someone is probing the sanitizer or gate.
type AnomalyDetector struct {
	mu      sync.Mutex
	blocked map[string]*slidingWindow
	allowed map[string]*slidingWindow
	cfg     *config.AnomalyConfig
	logger  *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		blocked: make(map[string]*slidingWindow),
		allowed: make(map[string]*slidingWindow),
		cfg:     cfg,
		logger:  logger,
	}
}

// RecordBlocked records a blocked invocation for anomaly tracking.
func (a *AnomalyDetector) RecordBlocked(surface string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.blocked, surface).add(1)
	a.checkBlockedRate(surface)
}

// RecordAllowed records an invocation that was not blocked.
func (a *AnomalyDetector) RecordAllowed(surface string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.allowed, surface).add(1)
}

// checkBlockedRate warns when the blocked ratio exceeds the threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkBlockedRate(surface string) {
	threshold := a.cfg.BlockedRateThreshold
	if threshold <= 0 {
		return
	}

	blocked := a.getOrCreateWindow(a.blocked, surface).sum()
	allowed := a.getOrCreateWindow(a.allowed, surface).sum()
	total := blocked + allowed

	if total < 5 {
		return // Not enough data.
	}

	rate := blocked / total
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high blocked rate",
			slog.String("surface", surface),
			slog.Float64("blocked_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("blocked", blocked),
			slog.Float64("total", total),
		)
	}
}

// CheckGathered inspects the lifetime invocation counters exposed by
// the metrics registry and returns the overall blocked rate. Used by
// the scheduler for periodic sweeps independent of the sliding
// windows.
func (a *AnomalyDetector) CheckGathered(g prometheus.Gatherer) (float64, error) {
	families, err := g.Gather()
	if err != nil {
		return 0, err
	}

	var blocked, total float64
	for _, mf := range families {
		if mf.GetName() != "kipande_engine_invocations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			v := m.GetCounter().GetValue()
			total += v
			if labelValue(m, "status") == "blocked" {
				blocked += v
			}
		}
	}
	if total == 0 {
		return 0, nil
	}

	rate := blocked / total
	if a != nil && a.cfg != nil && a.cfg.BlockedRateThreshold > 0 && rate > a.cfg.BlockedRateThreshold && a.logger != nil {
		a.logger.Warn("anomaly sweep: high lifetime blocked rate",
			slog.Float64("blocked_rate", rate),
			slog.Float64("threshold", a.cfg.BlockedRateThreshold),
		)
	}
	return rate, nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.cfg.Window()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
