/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package distrlock

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/migrate"
)

// DefaultBatchLockKey is the lock key used by BatchLocker unless another one is given.
const DefaultBatchLockKey = "schemakit-migrations"

// DefaultBatchLockWait is the maximum time BatchLocker waits for a lock held by another process.
const DefaultBatchLockWait = 2 * time.Minute

// BatchLocker runs migration batches under a distributed lock, one process at a time.
// It creates the locks table on first use of every database handle.
type BatchLocker struct {
	key       string
	tableName string
	maxWait   time.Duration
	doOpts    []DoOption
}

var _ migrate.BatchLocker = (*BatchLocker)(nil)

// BatchLockerOption is an option for NewBatchLocker.
type BatchLockerOption func(*BatchLocker)

// WithBatchLockKey sets the lock key.
func WithBatchLockKey(key string) BatchLockerOption {
	return func(l *BatchLocker) {
		l.key = key
	}
}

// WithBatchLockTable sets the name of the locks table.
func WithBatchLockTable(tableName string) BatchLockerOption {
	return func(l *BatchLocker) {
		l.tableName = tableName
	}
}

// WithBatchLockMaxWait sets how long to wait for a lock held by another process.
// Zero means don't wait at all.
func WithBatchLockMaxWait(d time.Duration) BatchLockerOption {
	return func(l *BatchLocker) {
		l.maxWait = d
	}
}

// WithBatchLockDoOptions passes options to DBLock.DoExclusively (TTL, logger, etc.).
func WithBatchLockDoOptions(opts ...DoOption) BatchLockerOption {
	return func(l *BatchLocker) {
		l.doOpts = append(l.doOpts, opts...)
	}
}

// NewBatchLocker creates a BatchLocker to be passed to migrate.WithBatchLocker.
func NewBatchLocker(options ...BatchLockerOption) *BatchLocker {
	l := &BatchLocker{key: DefaultBatchLockKey, tableName: DefaultTableName, maxWait: DefaultBatchLockWait}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// LockBatch implements migrate.BatchLocker.
func (l *BatchLocker) LockBatch(ctx context.Context, h *schemakit.Handle, fn func(ctx context.Context) error) error {
	manager, err := l.manager(ctx, h)
	if err != nil {
		return err
	}
	lock, err := manager.NewLock(ctx, h.DB(), l.key)
	if err != nil {
		return err
	}

	opts := l.doOpts
	if l.maxWait > 0 {
		maxWait := l.maxWait
		opts = append([]DoOption{WithAcquireBackOff(func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = maxWait
			return b
		})}, opts...)
	}
	return lock.DoExclusively(ctx, h.DB(), fn, opts...)
}

func (l *BatchLocker) manager(ctx context.Context, h *schemakit.Handle) (*DBManager, error) {
	v, err := h.Memo("distrlock.manager:"+l.tableName, func() (interface{}, error) {
		manager, err := NewDBManager(h.Dialect(), WithTableName(l.tableName))
		if err != nil {
			return nil, err
		}
		if _, err = h.DB().ExecContext(ctx, manager.CreateTableSQL()); err != nil {
			return nil, fmt.Errorf("create table %s: %w", l.tableName, err)
		}
		return manager, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DBManager), nil
}
