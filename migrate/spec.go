/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package migrate

import (
	"context"
	"database/sql"
	"sync"
)

// Direction defines the direction of database migrations.
type Direction string

// Migration directions.
const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Operation is a pair of actions that perform and revert one schema change.
// Both are always called inside the transaction of the batch they belong to.
type Operation interface {
	Up(ctx context.Context, tx *sql.Tx) error
	Down(ctx context.Context, tx *sql.Tx) error
}

// OperationFuncs adapts a pair of functions to the Operation interface.
// A nil function is a no-op.
type OperationFuncs struct {
	UpFn   func(ctx context.Context, tx *sql.Tx) error
	DownFn func(ctx context.Context, tx *sql.Tx) error
}

// Up calls UpFn.
func (o OperationFuncs) Up(ctx context.Context, tx *sql.Tx) error {
	if o.UpFn == nil {
		return nil
	}
	return o.UpFn(ctx, tx)
}

// Down calls DownFn.
func (o OperationFuncs) Down(ctx context.Context, tx *sql.Tx) error {
	if o.DownFn == nil {
		return nil
	}
	return o.DownFn(ctx, tx)
}

// Loader lazily resolves the Operation of a migration.
// The wrapped function is invoked at most once; its result, including an error, is cached.
type Loader struct {
	once sync.Once
	fn   func() (Operation, error)
	op   Operation
	err  error
}

// NewLoader creates a one-shot Loader around fn.
func NewLoader(fn func() (Operation, error)) *Loader {
	return &Loader{fn: fn}
}

// StaticLoader returns a Loader for an Operation that is already materialized.
func StaticLoader(op Operation) *Loader {
	return NewLoader(func() (Operation, error) { return op, nil })
}

// Load returns the Operation, invoking the wrapped function on the first call only.
func (l *Loader) Load() (Operation, error) {
	l.once.Do(func() {
		l.op, l.err = l.fn()
		l.fn = nil
	})
	return l.op, l.err
}

// Spec is an immutable descriptor of one schema change.
//
// Index is the position of the migration in the ordered set (1..N without gaps; the
// bundle builder validates that). ID is the stable key stored in the bookkeeping table,
// usually the migration file name without extension.
type Spec struct {
	Index  int
	ID     string
	Name   string
	Loader *Loader
}

// NewSpec creates a Spec.
func NewSpec(index int, id, name string, loader *Loader) Spec {
	return Spec{Index: index, ID: id, Name: name, Loader: loader}
}
