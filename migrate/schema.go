/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package migrate

import (
	"context"
	"fmt"
	"strings"

	schemakit "github.com/acronis/go-schemakit"
)

// Column names of the bookkeeping tables.
const (
	colID        = "id"
	colIndex     = "index"
	colName      = "name"
	colIsApplied = "isApplied"
	colLastUp    = "lastUp"
	colLastDown  = "lastDown"
	colVersion   = "version"
)

// versionRowID is the primary key of the only row of the version table.
const versionRowID = 0

// bookkeepingSQL holds dialect-specific DDL for the bookkeeping tables.
type bookkeepingSQL struct {
	createVersionTable string
	createStatusTable  string
	dropStatusTable    string
	tableExists        string
}

func newBookkeepingSQL(dialect schemakit.Dialect, statusTable, versionTable string) (bookkeepingSQL, error) {
	q := func(name string) string { return quoteIdent(dialect, name) }
	st, vt := q(statusTable), q(versionTable)

	switch dialect {
	case schemakit.DialectSQLite:
		return bookkeepingSQL{
			createVersionTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				%s INTEGER NOT NULL PRIMARY KEY,
				%s INTEGER NOT NULL
			)`, vt, q(colID), q(colVersion)),
			createStatusTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				%s VARCHAR(255) NOT NULL PRIMARY KEY,
				%s INTEGER NOT NULL,
				%s TEXT NOT NULL,
				%s BOOLEAN NOT NULL DEFAULT 0,
				%s TIMESTAMP NULL,
				%s TIMESTAMP NULL
			)`, st, q(colID), q(colIndex), q(colName), q(colIsApplied), q(colLastUp), q(colLastDown)),
			dropStatusTable: fmt.Sprintf(`DROP TABLE %s`, st),
			tableExists:     `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		}, nil

	case schemakit.DialectMySQL:
		return bookkeepingSQL{
			createVersionTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				%s INT NOT NULL PRIMARY KEY,
				%s INT NOT NULL
			)`, vt, q(colID), q(colVersion)),
			createStatusTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				%s VARCHAR(255) NOT NULL PRIMARY KEY,
				%s INT NOT NULL,
				%s TEXT NOT NULL,
				%s BOOLEAN NOT NULL DEFAULT 0,
				%s DATETIME(6) NULL,
				%s DATETIME(6) NULL
			)`, st, q(colID), q(colIndex), q(colName), q(colIsApplied), q(colLastUp), q(colLastDown)),
			dropStatusTable: fmt.Sprintf(`DROP TABLE %s`, st),
			tableExists:     `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`,
		}, nil

	case schemakit.DialectPostgres, schemakit.DialectPgx:
		return bookkeepingSQL{
			createVersionTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				%s INTEGER NOT NULL PRIMARY KEY,
				%s INTEGER NOT NULL
			)`, vt, q(colID), q(colVersion)),
			createStatusTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				%s VARCHAR(255) NOT NULL PRIMARY KEY,
				%s INTEGER NOT NULL,
				%s TEXT NOT NULL,
				%s BOOLEAN NOT NULL DEFAULT false,
				%s TIMESTAMP WITH TIME ZONE NULL,
				%s TIMESTAMP WITH TIME ZONE NULL
			)`, st, q(colID), q(colIndex), q(colName), q(colIsApplied), q(colLastUp), q(colLastDown)),
			dropStatusTable: fmt.Sprintf(`DROP TABLE %s`, st),
			tableExists:     `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`,
		}, nil

	case schemakit.DialectMSSQL:
		// MSSQL doesn't support CREATE TABLE IF NOT EXISTS, use conditional check
		return bookkeepingSQL{
			createVersionTable: fmt.Sprintf(`IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%s')
				CREATE TABLE %s (
					%s INT NOT NULL PRIMARY KEY,
					%s INT NOT NULL
				)`, escapeLiteral(versionTable), vt, q(colID), q(colVersion)),
			createStatusTable: fmt.Sprintf(`IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%s')
				CREATE TABLE %s (
					%s NVARCHAR(255) NOT NULL PRIMARY KEY,
					%s INT NOT NULL,
					%s NVARCHAR(MAX) NOT NULL,
					%s BIT NOT NULL DEFAULT 0,
					%s DATETIME2 NULL,
					%s DATETIME2 NULL
				)`, escapeLiteral(statusTable), st, q(colID), q(colIndex), q(colName), q(colIsApplied), q(colLastUp), q(colLastDown)),
			dropStatusTable: fmt.Sprintf(`DROP TABLE %s`, st),
			tableExists:     `SELECT COUNT(*) FROM sys.tables WHERE name = @p1`,
		}, nil
	}

	return bookkeepingSQL{}, fmt.Errorf("unsupported dialect: %s", dialect)
}

func quoteIdent(dialect schemakit.Dialect, name string) string {
	switch dialect {
	case schemakit.DialectMySQL:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	case schemakit.DialectMSSQL:
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (b bookkeepingSQL) hasTable(ctx context.Context, q schemakit.Querier, table string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, b.tableExists, table).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s existence: %w", table, err)
	}
	return n > 0, nil
}
