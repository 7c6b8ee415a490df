// Package storage implements database-backed persistence for snippets,
// surface flags, and audit events using GORM. Two backends are
// provided: SQLite (default, zero-config, pure Go via glebarez) and
// PostgreSQL (production). All GORM usage is confined to this package;
// domain types remain ORM-free.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/kipande/internal/config"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the database-backed persistence root. Sub-stores are
// created lazily and share the same connection.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger

	mu       sync.Mutex
	snippets *SnippetRepository
	audit    *AuditRepository
}

// Open connects the backend selected by the config.
func Open(cfg *config.Config, slogger *slog.Logger) (*Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case DriverSQLite:
		return openSQLite(cfg, slogger)
	case DriverPostgres:
		return openPostgres(cfg, slogger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func gormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func openSQLite(cfg *config.Config, slogger *slog.Logger) (*Store, error) {
	path := cfg.DatabasePath()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormLogger(slogger),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened",
		slog.String("path", path),
		slog.String("journal_mode", journalMode),
	)
	return &Store{db: db, driver: DriverSQLite, logger: slogger}, nil
}

func openPostgres(cfg *config.Config, slogger *slog.Logger) (*Store, error) {
	pg := cfg.Storage.Postgres

	db, err := gorm.Open(gormpg.Open(pg.DSN), &gorm.Config{
		Logger:         gormLogger(slogger),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(intOr(pg.MaxOpenConns, 25))
	sqlDB.SetMaxIdleConns(intOr(pg.MaxIdleConns, 5))
	sqlDB.SetConnMaxLifetime(time.Duration(intOr(pg.ConnMaxLifetimeS, 1800)) * time.Second)

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", intOr(pg.MaxOpenConns, 25)),
		slog.Int("max_idle_conns", intOr(pg.MaxIdleConns, 5)),
	)
	return &Store{db: db, driver: DriverPostgres, logger: slogger}, nil
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Migrate runs GORM AutoMigrate for all tables.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&SnippetModel{},
		&SurfaceFlagModel{},
		&AuditEventModel{},
	)
}

// Snippets returns the snippet repository.
func (s *Store) Snippets() *SnippetRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snippets == nil {
		s.snippets = NewSnippetRepository(s.db)
	}
	return s.snippets
}

// Audit returns the audit event repository.
func (s *Store) Audit() *AuditRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.db)
	}
	return s.audit
}

// Driver returns the storage driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
