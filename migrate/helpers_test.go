/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package migrate_test

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

const sqlite3Scheme = "sqlite3://"

// newSQLiteConnString returns a connection string to a fresh SQLite database file.
// Files are used instead of :memory: so that every connection of a pool sees the same database.
func newSQLiteConnString(t *testing.T) string {
	t.Helper()
	return sqlite3Scheme + filepath.Join(t.TempDir(), "test.db")
}

func openSQLite(t *testing.T, connString string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", strings.TrimPrefix(connString, sqlite3Scheme))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		cols = append(cols, name)
	}
	require.NoError(t, rows.Err())
	return cols
}

func tableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n))
	return n > 0
}
