/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package schemakit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Default values for connection pool settings.
const (
	DefaultMaxIdleConns    = 2
	DefaultMaxOpenConns    = 10
	DefaultConnMaxLifetime = 10 * time.Minute
)

// Querier is implemented by *sql.DB, *sql.Conn and *sql.Tx.
// Everything that reads or writes bookkeeping rows accepts it, so the same code runs
// inside and outside of a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Conn)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// Open opens a new database connection pool using the passed config
// and optionally pings the database.
func Open(cfg *Config, ping bool) (*sql.DB, error) {
	driver, dsn := cfg.DriverNameAndDSN()
	if driver == "" {
		return nil, fmt.Errorf("unsupported dialect: %q", cfg.Dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	setupPool(db, cfg.MaxOpenConns, cfg.MaxIdleConns, time.Duration(cfg.ConnMaxLifetime))
	if ping {
		if err = db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
	}
	return db, nil
}

func setupPool(db *sql.DB, maxOpen, maxIdle int, maxLifetime time.Duration) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}

// TxOption is a functional option for DoInTx.
type TxOption func(*txOptions)

type txOptions struct {
	sqlOpts *sql.TxOptions
}

// WithTxOptions sets options (isolation level, read-only flag) for the transaction started by DoInTx.
func WithTxOptions(opts *sql.TxOptions) TxOption {
	return func(o *txOptions) {
		o.sqlOpts = opts
	}
}

// DoInTx begins a new transaction, calls passed function and do commit or rollback
// depending on whether the function returns an error or not.
// An error returned by fn is passed through as is, so callers may compare it
// with the value they produced.
func DoInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error, options ...TxOption) (err error) {
	var opts txOptions
	for _, opt := range options {
		opt(&opts)
	}

	tx, err := db.BeginTx(ctx, opts.sqlOpts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
