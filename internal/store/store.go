// Package store persists the operation audit log and sandbox session
// history. Two backends are provided: SQLite (default, zero-config,
// pure Go) and PostgreSQL. All GORM usage is confined to this package;
// domain types remain ORM-free.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// Config selects and tunes the storage backend.
type Config struct {
	Driver   string // "sqlite" (default) or "postgres".
	SQLite   SQLiteConfig
	Postgres PostgresConfig
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string // Database file path.
	JournalMode string // Journal pragma. Empty means wal.
}

// PostgresConfig holds PostgreSQL-specific settings and pool limits.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// applyPoolLimits sizes the connection pool, falling back to 25 open,
// 5 idle and a 30m lifetime where unset.
func (c PostgresConfig) applyPoolLimits(db *sql.DB) {
	open, idle, lifetime := c.MaxOpenConns, c.MaxIdleConns, c.ConnMaxLifetime
	if open <= 0 {
		open = 25
	}
	if idle <= 0 {
		idle = 5
	}
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(open)
	db.SetMaxIdleConns(idle)
	db.SetConnMaxLifetime(lifetime)
}

// Store wraps a GORM database connection. It implements both the
// dispatcher's audit sink and the sandbox manager's instance store.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured backend and migrates the schema.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if slogger == nil {
		slogger = slog.Default()
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	gormLogger := newGormLogger(slogger)

	var db *gorm.DB
	var err error

	switch driver {
	case DriverSQLite:
		if cfg.SQLite.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		dir := filepath.Dir(cfg.SQLite.Path)
		if mkErr := os.MkdirAll(dir, 0750); mkErr != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, mkErr)
		}
		journalMode := cfg.SQLite.JournalMode
		if journalMode == "" {
			journalMode = "wal"
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
			cfg.SQLite.Path, journalMode)
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:  gormLogger,
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}

	case DriverPostgres:
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		sqlDB, dbErr := sql.Open("pgx", cfg.Postgres.DSN)
		if dbErr != nil {
			return nil, fmt.Errorf("opening postgres connection: %w", dbErr)
		}
		cfg.Postgres.applyPoolLimits(sqlDB)
		db, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
			Logger:      gormLogger,
			NowFunc:     func() time.Time { return time.Now().UTC() },
			PrepareStmt: true,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}

	default:
		return nil, fmt.Errorf("storage driver %q unknown, want sqlite or postgres", driver)
	}

	s := &Store{db: db, driver: driver, logger: slogger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	slogger.Info("store opened", slog.String("driver", driver))
	return s, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&OperationModel{},
		&SandboxInstanceModel{},
	)
}

// Ping probes the underlying connection. The readiness endpoint calls
// this through the health checker.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns the active driver name.
func (s *Store) Driver() string {
	return s.driver
}

// newGormLogger routes GORM's own logging through slog, surfacing only
// warnings and slow queries.
func newGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(gormLogBridge{slogger}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// gormLogBridge satisfies GORM's logger.Writer on top of slog.
type gormLogBridge struct {
	logger *slog.Logger
}

func (b gormLogBridge) Printf(format string, args ...any) {
	b.logger.Info(fmt.Sprintf(format, args...))
}
