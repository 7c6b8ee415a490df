package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
data_dir: /tmp/kipande
security:
  max_code_bytes: 5000
  extra_blocked_calls: [my_helper]
  audit:
    enabled: true
    retention_days: 7
executor:
  timeout_seconds: 3
  memory_mb: 32
surfaces:
  widget: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/kipande" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Security.MaxCodeBytes != 5000 {
		t.Errorf("MaxCodeBytes = %d", cfg.Security.MaxCodeBytes)
	}
	if !cfg.Security.Audit.AuditEnabled() {
		t.Error("audit not enabled")
	}
	if got := cfg.Security.Audit.Retention(); got != 7*24*time.Hour {
		t.Errorf("Retention = %v", got)
	}
	if got := cfg.Executor.Timeout(); got != 3*time.Second {
		t.Errorf("Timeout = %v", got)
	}
	if got := cfg.Executor.AmbientMemoryMB(); got != 32 {
		t.Errorf("AmbientMemoryMB = %d", got)
	}
	if !cfg.SurfaceSeed().Widget || cfg.SurfaceSeed().Feed {
		t.Errorf("SurfaceSeed = %+v", cfg.SurfaceSeed())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"executor":{"timeout_seconds":9}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Executor.Timeout(); got != 9*time.Second {
		t.Errorf("Timeout = %v", got)
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.Executor.Timeout(); got != 5*time.Second {
		t.Errorf("default Timeout = %v", got)
	}
	if got := cfg.Executor.AmbientMemoryMB(); got != 64 {
		t.Errorf("default AmbientMemoryMB = %d", got)
	}
	if got := cfg.Executor.MaxOutput(); got != 1<<20 {
		t.Errorf("default MaxOutput = %d", got)
	}
	if !cfg.Security.SyntaxCheckEnabled() {
		t.Error("syntax check should default on")
	}
	if cfg.Security.Audit.AuditEnabled() {
		t.Error("audit should default off")
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("default driver = %q", cfg.StorageDriverName())
	}
	if got := cfg.Gateway.Addr(); got != ":8080" {
		t.Errorf("default addr = %q", got)
	}
	if got := cfg.Scheduler.ReloadInterval(); got != 60*time.Second {
		t.Errorf("default reload interval = %v", got)
	}
	if got := cfg.Scheduler.RetentionSpec(); got != "0 3 * * *" {
		t.Errorf("default retention spec = %q", got)
	}
	seed := cfg.SurfaceSeed()
	if seed.Widget || seed.Excerpt || seed.Comment || seed.Feed {
		t.Errorf("surface seed not all off: %+v", seed)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		ok   bool
	}{
		{"minimal", `{}`, true},
		{"bad driver", `storage: {driver: mysql}`, false},
		{"postgres without dsn", `storage: {driver: postgres}`, false},
		{"gateway without keys", `gateway: {enabled: true}`, false},
		{"gateway with key", `gateway: {enabled: true, api_keys: [{key: k, actor: ops}]}`, true},
		{"key without actor", `gateway: {enabled: true, api_keys: [{key: k}]}`, false},
		{"anomaly threshold", `observability: {anomaly: {enabled: true, blocked_rate_threshold: 2}}`, false},
		{"negative timeout", `executor: {timeout_seconds: -1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "c.yaml", tt.yaml)
			_, err := Load(path)
			if tt.ok && err != nil {
				t.Errorf("Load = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("Load = nil, want error")
			}
		})
	}
}

func TestProvider_CachesAndInvalidates(t *testing.T) {
	path := writeConfig(t, "c.yaml", `executor: {timeout_seconds: 1}`)
	p := NewProvider(path, time.Hour)

	cfg, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cfg.Executor.Timeout() != time.Second {
		t.Fatalf("Timeout = %v", cfg.Executor.Timeout())
	}

	// A change on disk is not visible until the cache expires or is
	// invalidated.
	if err := os.WriteFile(path, []byte(`executor: {timeout_seconds: 2}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, _ = p.Get()
	if cfg.Executor.Timeout() != time.Second {
		t.Errorf("cache bypassed: Timeout = %v", cfg.Executor.Timeout())
	}

	p.Invalidate()
	cfg, err = p.Get()
	if err != nil {
		t.Fatalf("Get after Invalidate: %v", err)
	}
	if cfg.Executor.Timeout() != 2*time.Second {
		t.Errorf("Invalidate did not reload: %v", cfg.Executor.Timeout())
	}
}

func TestProvider_StaleCacheReloads(t *testing.T) {
	path := writeConfig(t, "c.yaml", `executor: {timeout_seconds: 1}`)
	p := NewProvider(path, 50*time.Millisecond)

	base := time.Now()
	p.now = func() time.Time { return base }
	if _, err := p.Get(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(`executor: {timeout_seconds: 3}`), 0o644); err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return base.Add(time.Second) }
	cfg, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Executor.Timeout() != 3*time.Second {
		t.Errorf("stale cache not reloaded: %v", cfg.Executor.Timeout())
	}
}

func TestProvider_KeepsServingOnReloadFailure(t *testing.T) {
	path := writeConfig(t, "c.yaml", `executor: {timeout_seconds: 1}`)
	p := NewProvider(path, 50*time.Millisecond)

	base := time.Now()
	p.now = func() time.Time { return base }
	if _, err := p.Get(); err != nil {
		t.Fatal(err)
	}

	// The file disappearing after a successful load must not take the
	// running config away.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return base.Add(time.Second) }
	cfg, err := p.Get()
	if err != nil {
		t.Fatalf("Get after reload failure: %v", err)
	}
	if cfg.Executor.Timeout() != time.Second {
		t.Errorf("previous config lost: %v", cfg.Executor.Timeout())
	}
}
