/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package schemakit

import (
	"fmt"

	"github.com/doug-martin/goqu/v9"
	goqumysql "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"  // register goqu dialect
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"   // register goqu dialect
	_ "github.com/doug-martin/goqu/v9/dialect/sqlserver" // register goqu dialect
)

// GoquDialectMySQL is the goqu dialect used for MySQL statements.
// It is goqu's "mysql" dialect with INSERT IGNORE disabled: ON DUPLICATE KEY UPDATE inserts
// must report statement errors instead of downgrading them to warnings.
const GoquDialectMySQL = "schemakit-mysql"

func init() {
	opts := goqumysql.DialectOptions()
	opts.SupportsInsertIgnoreSyntax = false
	goqu.RegisterDialect(GoquDialectMySQL, opts)
}

// Dialect defines possible values for planned supported SQL dialects.
type Dialect string

// SQL dialects.
const (
	DialectSQLite   Dialect = "sqlite3"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectPgx      Dialect = "pgx"
	DialectMSSQL    Dialect = "mssql"
)

// AllDialects returns every dialect the engine knows how to talk to.
func AllDialects() []Dialect {
	return []Dialect{DialectSQLite, DialectMySQL, DialectPostgres, DialectPgx, DialectMSSQL}
}

// IsPostgres reports whether the dialect targets PostgreSQL (lib/pq or pgx driver).
func (d Dialect) IsPostgres() bool {
	return d == DialectPostgres || d == DialectPgx
}

// GoquDialect returns the name under which github.com/doug-martin/goqu/v9 registers
// the statement generator for this dialect.
func (d Dialect) GoquDialect() (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite3", nil
	case DialectMySQL:
		return GoquDialectMySQL, nil
	case DialectPostgres, DialectPgx:
		return "postgres", nil
	case DialectMSSQL:
		return "sqlserver", nil
	}
	return "", fmt.Errorf("unsupported dialect: %s", d)
}
