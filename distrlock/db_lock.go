/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package distrlock provides a distributed lock stored in a SQL table.
// It is used to serialize migration batches of several processes that share one database.
package distrlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/migrate"
)

// DefaultTableName is a default name for the table that stores distributed locks.
const DefaultTableName = "distributed_locks"

const maxKeyLen = 40

// DBManager provides management functionality for distributed locks based on the SQL database.
type DBManager struct {
	queries dbQueries
}

// DBManagerOption is an option for NewDBManager.
type DBManagerOption func(*dbManagerOptions)

type dbManagerOptions struct {
	tableName string
}

// WithTableName sets a custom table name for the table that stores distributed locks.
func WithTableName(tableName string) DBManagerOption {
	return func(o *dbManagerOptions) {
		o.tableName = tableName
	}
}

// NewDBManager creates a new distributed lock manager that uses SQL database as a backend.
func NewDBManager(dialect schemakit.Dialect, options ...DBManagerOption) (*DBManager, error) {
	var opts dbManagerOptions
	for _, opt := range options {
		opt(&opts)
	}
	if opts.tableName == "" {
		opts.tableName = DefaultTableName
	}
	q, err := newDBQueries(dialect, opts.tableName)
	if err != nil {
		return nil, err
	}
	return &DBManager{q}, nil
}

// Migrations returns migrations that create the locks table.
// They may be appended to the application's own migration list.
func (m *DBManager) Migrations() []migrate.Spec {
	return []migrate.Spec{
		migrate.NewSpec(1, createTableMigrationID, "create distributed locks table",
			migrate.StaticLoader(&migrate.SQLOperation{
				UpSQL:   []string{m.CreateTableSQL()},
				DownSQL: []string{m.DropTableSQL()},
			})),
	}
}

// CreateTableSQL returns SQL query for creating a table that stores distributed locks.
func (m *DBManager) CreateTableSQL() string {
	return m.queries.createTable
}

// DropTableSQL returns SQL query for dropping a table that stores distributed locks.
func (m *DBManager) DropTableSQL() string {
	return m.queries.dropTable
}

// NewLock creates new initialized (but not acquired) distributed lock.
func (m *DBManager) NewLock(ctx context.Context, executor SQLExecutor, key string) (DBLock, error) {
	if key == "" {
		return DBLock{}, fmt.Errorf("lock key cannot be empty")
	}
	if len(key) > maxKeyLen {
		return DBLock{}, fmt.Errorf("lock key cannot be longer than %d symbols", maxKeyLen)
	}
	if _, err := executor.ExecContext(ctx, m.queries.initLock, key); err != nil {
		return DBLock{}, fmt.Errorf("init lock with key %s: %w", key, err)
	}
	return DBLock{Key: key, manager: m}, nil
}

// DBLock represents a lock object in the database.
type DBLock struct {
	Key     string
	TTL     time.Duration
	token   string
	manager *DBManager
}

// Acquire acquires lock for the key in the database.
func (l *DBLock) Acquire(ctx context.Context, executor SQLExecutor, lockTTL time.Duration) error {
	return l.AcquireWithStaticToken(ctx, executor, uuid.NewString(), lockTTL)
}

// AcquireWithStaticToken acquires lock for the key in the database with a static token.
// A lock acquired with the same token may be acquired again before it expires.
//
// Please use Acquire instead of this method unless you have a good reason to use it.
func (l *DBLock) AcquireWithStaticToken(ctx context.Context, executor SQLExecutor, token string, lockTTL time.Duration) error {
	interval := l.manager.queries.intervalMaker(lockTTL)
	err := execQueryAndCheckAffectedRow(ctx, executor, l.manager.queries.acquireLock,
		[]interface{}{interval, token, l.Key, token}, ErrLockAlreadyAcquired)
	if err != nil {
		return err
	}
	l.TTL = lockTTL
	l.token = token
	return nil
}

// Release releases lock for the key in the database.
func (l *DBLock) Release(ctx context.Context, executor SQLExecutor) error {
	return execQueryAndCheckAffectedRow(ctx, executor,
		l.manager.queries.releaseLock, []interface{}{l.Key, l.token}, ErrLockAlreadyReleased)
}

// Extend resets expiration timeout for already acquired lock.
// ErrLockAlreadyReleased error will be returned if lock is already released, in this case lock should be acquired again.
func (l *DBLock) Extend(ctx context.Context, executor SQLExecutor) error {
	interval := l.manager.queries.intervalMaker(l.TTL)
	return execQueryAndCheckAffectedRow(ctx, executor,
		l.manager.queries.extendLock, []interface{}{interval, l.Key, l.token}, ErrLockAlreadyReleased)
}

// Token returns token of the last acquired lock.
// May be used in logs to make the investigation process easier.
func (l *DBLock) Token() string {
	return l.token
}

type doOptions struct {
	lockTTL                time.Duration
	periodicExtendInterval time.Duration
	releaseTimeout         time.Duration
	acquireBackOff         func() backoff.BackOff
	logger                 log.FieldLogger
}

// DoOption is an option for DoExclusively method.
type DoOption func(*doOptions)

// WithLockTTL sets TTL for the lock acquired by DoExclusively.
func WithLockTTL(ttl time.Duration) DoOption {
	return func(o *doOptions) {
		o.lockTTL = ttl
	}
}

// WithPeriodicExtendInterval sets interval for periodic lock extension.
func WithPeriodicExtendInterval(interval time.Duration) DoOption {
	return func(o *doOptions) {
		o.periodicExtendInterval = interval
	}
}

// WithReleaseTimeout sets timeout for lock release.
func WithReleaseTimeout(timeout time.Duration) DoOption {
	return func(o *doOptions) {
		o.releaseTimeout = timeout
	}
}

// WithAcquireBackOff makes DoExclusively wait for a lock held by someone else.
// newBackOff is called once per DoExclusively call; acquisition is retried
// while it returns ErrLockAlreadyAcquired and the back-off allows.
// Without this option, DoExclusively fails with ErrLockAlreadyAcquired right away.
func WithAcquireBackOff(newBackOff func() backoff.BackOff) DoOption {
	return func(o *doOptions) {
		o.acquireBackOff = newBackOff
	}
}

// WithLogger sets logger for DoExclusively.
func WithLogger(logger log.FieldLogger) DoOption {
	return func(o *doOptions) {
		o.logger = logger
	}
}

// DoExclusively acquires distributed lock, calls passed function and releases the lock when the function is finished.
// Lock is acquired with a default TTL of 1 minute. TTL can be configured with WithLockTTL option.
// Additionally, the lock is extended periodically within a separate goroutine.
// Extension interval can be configured with WithPeriodicExtendInterval option. By default, it's half of the lock TTL.
// When the function is finished, acquired lock is released.
// Timeout for lock release can be configured with WithReleaseTimeout option. By default, it's 5 seconds.
// The error returned by fn is returned as is.
func (l *DBLock) DoExclusively(
	ctx context.Context,
	dbConn *sql.DB,
	fn func(ctx context.Context) error,
	options ...DoOption,
) error {
	opts := doOptions{
		lockTTL:        time.Minute,
		releaseTimeout: 5 * time.Second,
		logger:         log.NewDisabledLogger(),
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.periodicExtendInterval == 0 {
		opts.periodicExtendInterval = opts.lockTTL / 2
	}

	if err := l.acquireInTx(ctx, dbConn, opts); err != nil {
		return err
	}

	//nolint:contextcheck // context.Background() is being used to allow lock release even
	// if the passed ctx is already canceled
	defer func() {
		releaseCtx, releaseCtxCancel := context.WithTimeout(context.Background(), opts.releaseTimeout)
		defer releaseCtxCancel()
		if releaseLockErr := schemakit.DoInTx(releaseCtx, dbConn, func(tx *sql.Tx) error {
			return l.Release(releaseCtx, tx)
		}); releaseLockErr != nil {
			opts.logger.Error("failed to release distributed lock",
				log.String("key", l.Key), log.String("token", l.token), log.Error(releaseLockErr))
		}
	}()

	childCtx, childCtxCancel := context.WithCancel(ctx)
	defer childCtxCancel()

	periodicalExtensionExit := make(chan struct{})
	periodicalExtensionDone := make(chan struct{})
	defer func() {
		close(periodicalExtensionDone)
		<-periodicalExtensionExit
	}()

	go func() {
		defer close(periodicalExtensionExit)
		ticker := time.NewTicker(opts.periodicExtendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-periodicalExtensionDone:
				return
			case <-ticker.C:
				if extendErr := schemakit.DoInTx(ctx, dbConn, func(tx *sql.Tx) error {
					return l.Extend(ctx, tx)
				}); extendErr != nil {
					opts.logger.Error("failed to extend distributed lock",
						log.String("key", l.Key), log.String("token", l.token), log.Error(extendErr))
					if errors.Is(extendErr, ErrLockAlreadyReleased) {
						childCtxCancel() // The job is not exclusive anymore, stop it asap.
						return
					}
				}
			}
		}
	}()

	return fn(childCtx)
}

func (l *DBLock) acquireInTx(ctx context.Context, dbConn *sql.DB, opts doOptions) error {
	acquire := func() error {
		return schemakit.DoInTx(ctx, dbConn, func(tx *sql.Tx) error {
			return l.Acquire(ctx, tx, opts.lockTTL)
		})
	}
	if opts.acquireBackOff == nil {
		return acquire()
	}
	return backoff.Retry(func() error {
		err := acquire()
		if err != nil && !errors.Is(err, ErrLockAlreadyAcquired) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(opts.acquireBackOff(), ctx))
}

// CreateTableSQL returns SQL query for creating a table that stores distributed locks.
// DefaultTableName is used for the table name. If you need to use a custom table name, construct DBManager and DBLock manually instead.
func CreateTableSQL(dialect schemakit.Dialect) (string, error) {
	q, err := newDBQueries(dialect, DefaultTableName)
	if err != nil {
		return "", err
	}
	return q.createTable, nil
}

// DropTableSQL returns SQL query for dropping a table that stores distributed locks.
// DefaultTableName is used for the table name. If you need to use a custom table name, construct DBManager and DBLock manually instead.
func DropTableSQL(dialect schemakit.Dialect) (string, error) {
	q, err := newDBQueries(dialect, DefaultTableName)
	if err != nil {
		return "", err
	}
	return q.dropTable, nil
}

// DoExclusively acquires distributed lock, calls passed function and releases the lock when the function is finished.
// It's a ready-to-use helper function that creates a new DBManager, initializes a lock with the given key, and calls DoExclusively on it.
// DefaultTableName is used for the table name. If you need to use a custom table name, construct DBManager and DBLock manually instead.
// See DBLock.DoExclusively for more details.
func DoExclusively(
	ctx context.Context,
	dbConn *sql.DB,
	dbDialect schemakit.Dialect,
	key string,
	fn func(ctx context.Context) error,
	options ...DoOption,
) error {
	manager, err := NewDBManager(dbDialect)
	if err != nil {
		return fmt.Errorf("create DB manager: %w", err)
	}
	lock, err := manager.NewLock(ctx, dbConn, key)
	if err != nil {
		return fmt.Errorf("create new lock: %w", err)
	}
	return lock.DoExclusively(ctx, dbConn, fn, options...)
}

func execQueryAndCheckAffectedRow(
	ctx context.Context, executor SQLExecutor, query string, args []interface{}, errOnNoAffectedRows error,
) error {
	result, err := executor.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	// lib/pq may swallow "canceling statement due to user request" when the tx context is canceled
	// (https://github.com/lib/pq/issues/874), so the context is checked explicitly.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var affected int64
	if affected, err = result.RowsAffected(); err != nil {
		return err
	} else if affected == 0 {
		return errOnNoAffectedRows
	}
	return nil
}

// SQLExecutor is implemented by *sql.DB, *sql.Tx and *sql.Conn.
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}
