package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/albapepper/pushgate/internal/config"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations for the configured driver.
// Postgres migrations run over a dedicated database/sql connection so they
// can precede pool creation (the pool prepares statements against the schema).
func Migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	sqlDB, err := OpenSQL(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logger.Error("Failed to close migration connection", "error", err)
		}
	}()
	return MigrateDB(ctx, cfg.DatabaseDriver, sqlDB, logger)
}

// OpenSQL opens a database/sql handle on the configured database.
func OpenSQL(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return sqlDB, nil
	case config.DriverSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.DatabaseDriver)
	}
}

// MigrateDB applies migrations on an already open database.
func MigrateDB(ctx context.Context, driver string, sqlDB *sql.DB, logger *slog.Logger) error {
	provider, err := newProvider(driver, sqlDB)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("Migration applied",
			"driver", driver,
			"version", r.Source.Version,
			"path", r.Source.Path,
			"duration", r.Duration)
	}
	return nil
}

// MigrationStatus describes one embedded migration and whether it is applied.
type MigrationStatus struct {
	Version int64
	Path    string
	Applied bool
}

// Status lists every embedded migration for driver with its applied state.
func Status(ctx context.Context, driver string, sqlDB *sql.DB) ([]MigrationStatus, error) {
	provider, err := newProvider(driver, sqlDB)
	if err != nil {
		return nil, err
	}
	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]MigrationStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, MigrationStatus{
			Version: s.Source.Version,
			Path:    s.Source.Path,
			Applied: s.State == goose.StateApplied,
		})
	}
	return out, nil
}

func newProvider(driver string, sqlDB *sql.DB) (*goose.Provider, error) {
	var dialect goose.Dialect
	switch driver {
	case config.DriverPostgres:
		dialect = goose.DialectPostgres
	case config.DriverSQLite:
		dialect = goose.DialectSQLite3
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	fsys, err := fs.Sub(migrations, "migrations/"+driver)
	if err != nil {
		return nil, fmt.Errorf("migrations for %s: %w", driver, err)
	}
	provider, err := goose.NewProvider(dialect, sqlDB, fsys)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	return provider, nil
}
