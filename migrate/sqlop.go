/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package migrate

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"strings"

	sqlmigrate "github.com/rubenv/sql-migrate"
)

// SQLOperation is an Operation that executes SQL statements in order.
type SQLOperation struct {
	UpSQL   []string
	DownSQL []string
}

// Up executes UpSQL statements.
func (o *SQLOperation) Up(ctx context.Context, tx *sql.Tx) error {
	return execStatements(ctx, tx, o.UpSQL)
}

// Down executes DownSQL statements.
func (o *SQLOperation) Down(ctx context.Context, tx *sql.Tx) error {
	return execStatements(ctx, tx, o.DownSQL)
}

func execStatements(ctx context.Context, tx *sql.Tx, statements []string) error {
	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ParseSQLOperation parses SQL migration content in the sql-migrate format:
//
//	-- +migrate Up
//	CREATE TABLE users (id INTEGER PRIMARY KEY);
//
//	-- +migrate Down
//	DROP TABLE users;
//
// Statements spanning several lines (e.g. function bodies) can be wrapped with
// "-- +migrate StatementBegin" / "-- +migrate StatementEnd".
func ParseSQLOperation(name string, content []byte) (*SQLOperation, error) {
	parsed, err := sqlmigrate.ParseMigration(name, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse migration %s: %w", name, err)
	}
	return &SQLOperation{UpSQL: parsed.Up, DownSQL: parsed.Down}, nil
}

// SQLFileLoader returns a Loader that reads and parses the migration file at filePath
// from fsys when the migration is about to run for the first time.
func SQLFileLoader(fsys fs.FS, filePath string) *Loader {
	return NewLoader(func() (Operation, error) {
		content, err := fs.ReadFile(fsys, filePath)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", filePath, err)
		}
		return ParseSQLOperation(path.Base(filePath), content)
	})
}
