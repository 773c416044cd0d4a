// Package testutil opens throwaway SQLite databases with the schema applied.
package testutil

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stanstork/gatherly/internal/migration"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// OpenDB returns a migrated SQLite database stored under t.TempDir. The
// database is closed when the test ends.
func OpenDB(t testing.TB) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gatherly.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite", path)

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migration.Up(db, "sqlite"))
	return db
}
