// Package config handles loading and validating Kipande configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kipande/internal/registry"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Kipande.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.kipande/data. Override: KIPANDE_DATA_DIR env var.
	Storage       *StorageConfig        `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data dir)
	Security      SecurityConfig        `json:"security" yaml:"security"`
	Executor      ExecutorConfig        `json:"executor" yaml:"executor"`
	Gateway       *GatewayConfig        `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = HTTP gateway disabled (CLI only)
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Scheduler     *SchedulerConfig      `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = background jobs disabled
	Surfaces      *registry.SurfaceFlags `json:"surfaces,omitempty" yaml:"surfaces,omitempty"`          // Seed values for the surface toggles. nil = all optional surfaces off.
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: KIPANDE_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SecurityConfig tunes the sanitizer, the capability gate, and the audit log.
type SecurityConfig struct {
	MaxCodeBytes      int          `json:"max_code_bytes" yaml:"max_code_bytes"`           // Default: 10000.
	ExtraBlockedCalls []string     `json:"extra_blocked_calls" yaml:"extra_blocked_calls"` // Widens the default deny list.
	AllowedCalls      []string     `json:"allowed_calls" yaml:"allowed_calls"`             // Narrows it.
	SyntaxCheck       *bool        `json:"syntax_check,omitempty" yaml:"syntax_check,omitempty"` // Default: true.
	ManageRole        string       `json:"manage_role" yaml:"manage_role"`                 // Default: "manage-snippets".
	ExecuteRoles      []string     `json:"execute_roles" yaml:"execute_roles"`             // Additional roles allowed to execute.
	Audit             *AuditConfig `json:"audit,omitempty" yaml:"audit,omitempty"`         // nil = audit logging disabled.
}

// SyntaxCheckEnabled reports whether the parse step runs. Default: true.
func (s SecurityConfig) SyntaxCheckEnabled() bool {
	return s.SyntaxCheck == nil || *s.SyntaxCheck
}

// AuditConfig configures the append-only audit log.
// When nil, no audit records are written.
type AuditConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`       // JSONL file path. Default: derived from data dir. Override: KIPANDE_AUDIT_LOG env var.
	Persist       bool   `json:"persist" yaml:"persist"`                     // Also append records to the database.
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`       // Default: 30. Pruned by the scheduler.
}

// Retention returns the audit retention window with a default of 30 days.
func (a *AuditConfig) Retention() time.Duration {
	if a != nil && a.RetentionDays > 0 {
		return time.Duration(a.RetentionDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// AuditEnabled reports whether audit logging is on. Default: off.
func (a *AuditConfig) AuditEnabled() bool {
	return a != nil && a.Enabled
}

// ExecutorConfig bounds snippet evaluation.
type ExecutorConfig struct {
	TimeoutSeconds int  `json:"timeout_seconds" yaml:"timeout_seconds"`   // Per-invocation wall clock. Default: 5.
	MemoryMB       int  `json:"memory_mb" yaml:"memory_mb"`               // Ambient memory ceiling. Default: 64.
	MaxOutputBytes int  `json:"max_output_bytes" yaml:"max_output_bytes"` // Captured output cap. Default: 1 MB.
	Buffered       bool `json:"buffered" yaml:"buffered"`                 // Default buffering for snippets that do not set it.
}

// Timeout returns the per-invocation timeout with a default of 5s.
func (e ExecutorConfig) Timeout() time.Duration {
	if e.TimeoutSeconds > 0 {
		return time.Duration(e.TimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// AmbientMemoryMB returns the ambient memory ceiling with a default of 64.
func (e ExecutorConfig) AmbientMemoryMB() int {
	if e.MemoryMB > 0 {
		return e.MemoryMB
	}
	return 64
}

// MaxOutput returns the output cap with a default of 1 MB.
func (e ExecutorConfig) MaxOutput() int {
	if e.MaxOutputBytes > 0 {
		return e.MaxOutputBytes
	}
	return 1 << 20
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	Enabled             bool             `json:"enabled" yaml:"enabled"`
	ListenAddr          string           `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool             `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64            `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MB.
	APIKeys             []APIKeyConfig   `json:"api_keys" yaml:"api_keys"`
	RateLimit           RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	WebSocket           *WebSocketConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"` // nil = audit stream disabled.
}

// Addr returns the listen address with a default of ":8080".
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body cap with a default of 1 MB.
func (g *GatewayConfig) MaxRequestSize() int64 {
	if g != nil && g.MaxRequestSizeBytes > 0 {
		return g.MaxRequestSizeBytes
	}
	return 1 << 20
}

// APIKeyConfig binds one API key to an actor identity. The key itself
// can be set here or via the KIPANDE_API_KEY env var for the first
// entry. Environment variable takes precedence.
type APIKeyConfig struct {
	Key   string   `json:"key" yaml:"key"`
	Actor string   `json:"actor" yaml:"actor"` // Actor ID reported in audit records.
	Roles []string `json:"roles" yaml:"roles"` // e.g. "manage-snippets".
}

// RateLimitConfig configures per-actor rate limiting for the gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// WebSocketConfig configures the live audit event stream.
type WebSocketConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/ws/audit".
}

// WSPath returns the WebSocket path with a default of "/ws/audit".
func (w *WebSocketConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/audit"
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kipande"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection over the
// invocation metrics.
type AnomalyConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	BlockedRateThreshold float64 `json:"blocked_rate_threshold" yaml:"blocked_rate_threshold"` // e.g. 0.5 = 50% of invocations blocked
	WindowSeconds        int     `json:"window_seconds" yaml:"window_seconds"`                 // Sliding window. Default: 300
}

// Window returns the anomaly window with a default of 300s.
func (a *AnomalyConfig) Window() time.Duration {
	if a != nil && a.WindowSeconds > 0 {
		return time.Duration(a.WindowSeconds) * time.Second
	}
	return 300 * time.Second
}

// SchedulerConfig configures the background cron jobs.
// When nil, neither retention pruning nor config reload runs.
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	RetentionCron  string `json:"retention_cron" yaml:"retention_cron"`   // Default: "0 3 * * *" (daily, 03:00).
	ReloadSeconds  int    `json:"reload_seconds" yaml:"reload_seconds"`   // Config staleness bound. Default: 60.
}

// RetentionSpec returns the prune schedule with a default of daily 03:00.
func (s *SchedulerConfig) RetentionSpec() string {
	if s != nil && s.RetentionCron != "" {
		return s.RetentionCron
	}
	return "0 3 * * *"
}

// ReloadInterval returns the config staleness bound with a default of 60s.
func (s *SchedulerConfig) ReloadInterval() time.Duration {
	if s != nil && s.ReloadSeconds > 0 {
		return time.Duration(s.ReloadSeconds) * time.Second
	}
	return 60 * time.Second
}

// DefaultConfigPath returns the default config file path (~/.kipande/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kipande.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kipande", "config.yaml")
}

// Load reads a YAML or JSON config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. Environment variables take precedence over
// config values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv overlays environment variable overrides onto the config.
func (c *Config) applyEnv() {
	if envDD := os.Getenv("KIPANDE_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envDSN := os.Getenv("KIPANDE_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = envDSN
	}
	if envPath := os.Getenv("KIPANDE_AUDIT_LOG"); envPath != "" {
		if c.Security.Audit == nil {
			c.Security.Audit = &AuditConfig{Enabled: true}
		}
		c.Security.Audit.Path = envPath
	}
	if envKey := os.Getenv("KIPANDE_API_KEY"); envKey != "" && c.Gateway != nil {
		if len(c.Gateway.APIKeys) == 0 {
			c.Gateway.APIKeys = []APIKeyConfig{{Actor: "env", Roles: []string{"manage-snippets"}}}
		}
		c.Gateway.APIKeys[0].Key = envKey
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".kipande", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "kipande.db")
}

// AuditLogPath returns the audit log path, derived from the data
// directory when not set explicitly.
func (c *Config) AuditLogPath() string {
	if c.Security.Audit != nil && c.Security.Audit.Path != "" {
		return c.Security.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// SurfaceSeed returns the configured surface toggles, all off when absent.
func (c *Config) SurfaceSeed() registry.SurfaceFlags {
	if c.Surfaces != nil {
		return *c.Surfaces
	}
	return registry.SurfaceFlags{}
}

func (c *Config) validate() error {
	if c.Security.MaxCodeBytes < 0 {
		return fmt.Errorf("security.max_code_bytes must not be negative")
	}
	if c.Executor.TimeoutSeconds < 0 {
		return fmt.Errorf("executor.timeout_seconds must not be negative")
	}
	if c.Executor.MemoryMB < 0 {
		return fmt.Errorf("executor.memory_mb must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set KIPANDE_DB_DSN env var)")
		}
	}
	if c.Gateway != nil && c.Gateway.Enabled && len(c.Gateway.APIKeys) == 0 {
		return fmt.Errorf("gateway.api_keys must contain at least one key when the gateway is enabled")
	}
	if c.Gateway != nil {
		for i, k := range c.Gateway.APIKeys {
			if k.Key == "" {
				return fmt.Errorf("gateway.api_keys[%d].key is required (set KIPANDE_API_KEY env var)", i)
			}
			if k.Actor == "" {
				return fmt.Errorf("gateway.api_keys[%d].actor is required", i)
			}
		}
	}
	if obs := c.Observability; obs != nil && obs.Anomaly != nil && obs.Anomaly.Enabled {
		if t := obs.Anomaly.BlockedRateThreshold; t <= 0 || t > 1 {
			return fmt.Errorf("observability.anomaly.blocked_rate_threshold must be in (0, 1]")
		}
	}
	if c.Security.Audit != nil && c.Security.Audit.RetentionDays < 0 {
		return fmt.Errorf("security.audit.retention_days must not be negative")
	}
	return nil
}
