package migration

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver
)

// Embed SQL files from the local migrations folder, one directory per dialect.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embeddedMigrations embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// dialectFor maps a database/sql driver name to the goose dialect and the
// migrations directory written for it.
func dialectFor(driver string) (string, string, error) {
	switch driver {
	case "postgres":
		return "postgres", "migrations/postgres", nil
	case "sqlite":
		return "sqlite3", "migrations/sqlite", nil
	default:
		return "", "", fmt.Errorf("no migrations for driver %q", driver)
	}
}

// Up applies all pending migrations for the given driver.
func Up(db *sql.DB, driver string) error {
	dialect, dir, err := dialectFor(driver)
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// RunMigrations applies migrations at startup and exits the process on failure.
func RunMigrations(db *sql.DB, driver string, logger zerolog.Logger) {
	if err := Up(db, driver); err != nil {
		logger.Fatal().Err(err).Str("driver", driver).Msg("Failed to run migrations")
	}
	logger.Info().Str("driver", driver).Msg("Migrations completed successfully")
}
