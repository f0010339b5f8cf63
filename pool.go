/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package schemakit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrHandleReleased is returned when a released Handle is used again.
var ErrHandleReleased = errors.New("connection handle already released")

// Pool shares database connection pools between callers that use the same connection string.
// Connections are opened lazily on the first Acquire and closed when the last Handle is released.
// A Pool is an explicit object: create one per process (or per test) and pass it to the
// components that need database access.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	opts    poolOptions
}

type poolOptions struct {
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	ping            bool
	openDB          func(driverName, dsn string) (*sql.DB, error)
}

// PoolOption is a functional option for NewPool.
type PoolOption func(*poolOptions)

// WithPoolLimits sets connection limits applied to every *sql.DB opened by the pool.
func WithPoolLimits(maxOpen, maxIdle int, maxLifetime time.Duration) PoolOption {
	return func(o *poolOptions) {
		o.maxOpenConns = maxOpen
		o.maxIdleConns = maxIdle
		o.connMaxLifetime = maxLifetime
	}
}

// WithoutPing disables pinging the database when a connection string is acquired for the first time.
func WithoutPing() PoolOption {
	return func(o *poolOptions) {
		o.ping = false
	}
}

// WithOpenFunc replaces sql.Open. It's mostly useful in tests (e.g. for go-sqlmock).
func WithOpenFunc(fn func(driverName, dsn string) (*sql.DB, error)) PoolOption {
	return func(o *poolOptions) {
		o.openDB = fn
	}
}

// NewPool creates a new empty Pool.
func NewPool(options ...PoolOption) *Pool {
	opts := poolOptions{
		maxOpenConns:    DefaultMaxOpenConns,
		maxIdleConns:    DefaultMaxIdleConns,
		connMaxLifetime: DefaultConnMaxLifetime,
		ping:            true,
		openDB:          sql.Open,
	}
	for _, opt := range options {
		opt(&opts)
	}
	return &Pool{entries: make(map[string]*poolEntry), opts: opts}
}

type poolEntry struct {
	db      *sql.DB
	info    ConnInfo
	refs    int
	memoMu  sync.Mutex
	memo    map[string]interface{}
	ownedDB bool
}

// Acquire returns a handle to the connection pool for the given connection string,
// opening (and pinging) it if no other handle currently holds it.
// Every successful Acquire must be paired with Handle.Release.
func (p *Pool) Acquire(ctx context.Context, connString string) (*Handle, error) {
	info, err := ParseConnString(connString)
	if err != nil {
		return nil, err
	}

	if h := p.acquireExisting(connString); h != nil {
		return h, nil
	}

	// Open and ping without holding p.mu.
	db, err := p.opts.openDB(info.DriverName, info.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", info.Dialect, err)
	}
	setupPool(db, p.opts.maxOpenConns, p.opts.maxIdleConns, p.opts.connMaxLifetime)
	if p.opts.ping {
		if err = db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping %s database: %w", info.Dialect, err)
		}
	}

	p.mu.Lock()
	if entry, ok := p.entries[connString]; ok {
		// Another caller opened the same connection string in the meantime.
		entry.refs++
		p.mu.Unlock()
		_ = db.Close()
		return &Handle{pool: p, key: connString, entry: entry}, nil
	}
	entry := &poolEntry{db: db, info: info, refs: 1, ownedDB: true}
	p.entries[connString] = entry
	p.mu.Unlock()
	return &Handle{pool: p, key: connString, entry: entry}, nil
}

func (p *Pool) acquireExisting(connString string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[connString]
	if !ok {
		return nil
	}
	entry.refs++
	return &Handle{pool: p, key: connString, entry: entry}
}

// Register makes an already opened *sql.DB available under the given connection string.
// The Pool never closes a registered *sql.DB; the caller keeps ownership of it.
func (p *Pool) Register(connString string, db *sql.DB) error {
	info, err := ParseConnString(connString)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[connString]; ok {
		return fmt.Errorf("connection %q is already registered", connString)
	}
	// A registered entry holds one reference of its own, so releasing handles never drops it.
	p.entries[connString] = &poolEntry{db: db, info: info, refs: 1}
	return nil
}

// Len returns the number of distinct connection strings currently held by the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close closes every connection opened by the pool regardless of outstanding handles.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, entry := range p.entries {
		if entry.ownedDB {
			if err := entry.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s database: %w", entry.info.Dialect, err))
			}
		}
		delete(p.entries, key)
	}
	return errors.Join(errs...)
}

func (p *Pool) release(key string, entry *poolEntry) error {
	p.mu.Lock()
	entry.refs--
	if entry.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	if cur, ok := p.entries[key]; ok && cur == entry {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if !entry.ownedDB {
		return nil
	}
	if err := entry.db.Close(); err != nil {
		return fmt.Errorf("close %s database: %w", entry.info.Dialect, err)
	}
	return nil
}

// Handle is a reference to a shared connection pool obtained from Pool.Acquire.
type Handle struct {
	pool     *Pool
	key      string
	entry    *poolEntry
	released bool
	mu       sync.Mutex
}

// DB returns the underlying connection pool.
func (h *Handle) DB() *sql.DB {
	return h.entry.db
}

// Dialect returns the SQL dialect of the connection.
func (h *Handle) Dialect() Dialect {
	return h.entry.info.Dialect
}

// ConnInfo returns the parsed connection string.
func (h *Handle) ConnInfo() ConnInfo {
	return h.entry.info
}

// Memo returns the value cached under key for the lifetime of the underlying connection pool,
// building it with build on the first call. Errors returned by build are not cached.
func (h *Handle) Memo(key string, build func() (interface{}, error)) (interface{}, error) {
	e := h.entry
	e.memoMu.Lock()
	defer e.memoMu.Unlock()
	if v, ok := e.memo[key]; ok {
		return v, nil
	}
	v, err := build()
	if err != nil {
		return nil, err
	}
	if e.memo == nil {
		e.memo = make(map[string]interface{})
	}
	e.memo[key] = v
	return v, nil
}

// Release returns the handle to the pool. The connection pool is closed when its last handle is released.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrHandleReleased
	}
	h.released = true
	return h.pool.release(h.key, h.entry)
}
