package observability

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/jkaninda/kipande/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNew_NilConfigDisablesEverything(t *testing.T) {
	obs, err := New(nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs != nil {
		t.Fatalf("New(nil) = %+v, want nil", obs)
	}
	// Nil facade must be safe to use.
	obs.Shutdown(context.Background())
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		t.Error("nil facade returned non-nil components")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("metrics not created")
	}
	if obs.Health == nil {
		t.Fatal("health checker not created")
	}

	obs.Metrics.ObserveInvocation("completed", "normal", 0.01)
	obs.Metrics.ObserveInvocation("blocked", "normal", 0.001)
	obs.Metrics.ObserveRejection("blocked_function")
	obs.Metrics.ObserveDenial("execute")
	obs.Metrics.ObserveAuditEvent()

	families, err := obs.Metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, want := range []string{
		"kipande_engine_invocations_total",
		"kipande_engine_invocation_duration_seconds",
		"kipande_sanitizer_rejections_total",
		"kipande_gate_denials_total",
		"kipande_audit_events_total",
	} {
		if !found[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.ObserveInvocation("completed", "normal", 0.1)
	m.ObserveRejection("too_long")
	m.ObserveDenial("edit")
	m.ObserveAuditEvent()
}

func TestAnomalyDetector_BlockedRate(t *testing.T) {
	det := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:              true,
		BlockedRateThreshold: 0.5,
		WindowSeconds:        60,
	}, testLogger())

	// Below the minimum sample size nothing happens; above it the
	// blocked ratio is tracked per surface.
	for i := 0; i < 10; i++ {
		det.RecordBlocked("normal")
	}
	det.RecordAllowed("normal")

	blocked := det.getOrCreateWindow(det.blocked, "normal").sum()
	allowed := det.getOrCreateWindow(det.allowed, "normal").sum()
	if blocked != 10 || allowed != 1 {
		t.Errorf("window sums = %v blocked, %v allowed", blocked, allowed)
	}

	var nilDet *AnomalyDetector
	nilDet.RecordBlocked("normal")
	nilDet.RecordAllowed("normal")
}

func TestAnomalyDetector_CheckGathered(t *testing.T) {
	m := NewMetricsCollector()
	m.ObserveInvocation("blocked", "normal", 0.001)
	m.ObserveInvocation("blocked", "widget", 0.001)
	m.ObserveInvocation("completed", "normal", 0.01)
	m.ObserveInvocation("failed", "normal", 0.01)

	det := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, BlockedRateThreshold: 0.9}, testLogger())
	rate, err := det.CheckGathered(m.Registry)
	if err != nil {
		t.Fatalf("CheckGathered: %v", err)
	}
	if rate != 0.5 {
		t.Errorf("blocked rate = %v, want 0.5", rate)
	}

	empty := NewMetricsCollector()
	rate, err = det.CheckGathered(empty.Registry)
	if err != nil || rate != 0 {
		t.Errorf("empty registry rate = %v, %v", rate, err)
	}
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(testLogger())
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("no checks: status = %s", got.Status)
	}

	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("audit", func(ctx context.Context) error { return errors.New("disk full") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %s, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %+v", status.Checks["db"])
	}
	if status.Checks["audit"].Status != "fail" || status.Checks["audit"].Message == "" {
		t.Errorf("audit check = %+v", status.Checks["audit"])
	}

	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("liveness = %s", got.Status)
	}
}
