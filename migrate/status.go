/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/doug-martin/goqu/v9"
	"golang.org/x/mod/semver"

	schemakit "github.com/acronis/go-schemakit"
)

// Minimal server versions that support an atomic insert-or-update statement.
const (
	minSQLiteUpsertVersion   = "v3.24.0"
	minPostgresUpsertVersion = "v9.5.0"
)

// Status is the persisted state of one migration.
type Status struct {
	ID        string
	Index     int
	Name      string
	IsApplied bool
	LastUp    sql.NullTime
	LastDown  sql.NullTime
}

// DefaultStatus returns the status of a migration that has never run.
func DefaultStatus(spec Spec) Status {
	return Status{ID: spec.ID, Index: spec.Index, Name: spec.Name}
}

// StatusStore reads and writes rows of the migration status table.
// The upsert strategy is chosen once, when the store is created.
type StatusStore struct {
	builder  goqu.DialectWrapper
	table    string
	upserter upserter
	atomic   bool
}

// StatusStoreOption is a functional option for NewStatusStore.
type StatusStoreOption func(*statusStoreOptions)

type statusStoreOptions struct {
	mode schemakit.UpsertMode
}

// WithStatusUpsertMode forces the upsert strategy instead of detecting it.
func WithStatusUpsertMode(mode schemakit.UpsertMode) StatusStoreOption {
	return func(o *statusStoreOptions) {
		o.mode = mode
	}
}

// NewStatusStore creates a StatusStore for the given table.
// Unless the mode is forced, q is used to detect whether the database supports atomic upserts.
func NewStatusStore(
	ctx context.Context, q schemakit.Querier, dialect schemakit.Dialect, table string, options ...StatusStoreOption,
) (*StatusStore, error) {
	opts := statusStoreOptions{mode: schemakit.UpsertModeAuto}
	for _, opt := range options {
		opt(&opts)
	}

	goquDialect, err := dialect.GoquDialect()
	if err != nil {
		return nil, err
	}

	var atomic bool
	switch opts.mode {
	case schemakit.UpsertModeAtomic:
		if dialect == schemakit.DialectMSSQL {
			return nil, fmt.Errorf("atomic upsert is not supported by %s", dialect)
		}
		atomic = true
	case schemakit.UpsertModeManual:
		atomic = false
	case schemakit.UpsertModeAuto, "":
		if atomic, err = supportsAtomicUpsert(ctx, q, dialect); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown upsert mode %q", opts.mode)
	}

	s := &StatusStore{builder: goqu.Dialect(goquDialect), table: table, atomic: atomic}
	if atomic {
		s.upserter = atomicUpsert{s}
	} else {
		s.upserter = manualUpsert{s}
	}
	return s, nil
}

// Atomic reports whether the store uses a single insert-or-update statement.
func (s *StatusStore) Atomic() bool {
	return s.atomic
}

// Get returns the status of the migration. If there is no row for it, the default unapplied status is returned.
// Nothing is written in this case.
func (s *StatusStore) Get(ctx context.Context, q schemakit.Querier, spec Spec) (Status, error) {
	query, args, err := s.builder.From(s.table).Prepared(true).
		Select(colIndex, colName, colIsApplied, colLastUp, colLastDown).
		Where(goqu.C(colID).Eq(spec.ID)).
		ToSQL()
	if err != nil {
		return Status{}, fmt.Errorf("build select status query: %w", err)
	}

	st := Status{ID: spec.ID}
	err = q.QueryRowContext(ctx, query, args...).Scan(&st.Index, &st.Name, &st.IsApplied, &st.LastUp, &st.LastDown)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultStatus(spec), nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("select status of migration %s: %w", spec.ID, err)
	}
	return st, nil
}

// Set inserts or updates the status row.
func (s *StatusStore) Set(ctx context.Context, q schemakit.Querier, st Status) error {
	if err := s.upserter.upsert(ctx, q, st); err != nil {
		return fmt.Errorf("save status of migration %s: %w", st.ID, err)
	}
	return nil
}

func (s *StatusStore) record(st Status) goqu.Record {
	return goqu.Record{
		colIndex:     st.Index,
		colName:      st.Name,
		colIsApplied: st.IsApplied,
		colLastUp:    nullTimeValue(st.LastUp),
		colLastDown:  nullTimeValue(st.LastDown),
	}
}

func (s *StatusStore) insert(ctx context.Context, q schemakit.Querier, st Status) error {
	rec := s.record(st)
	rec[colID] = st.ID
	query, args, err := s.builder.Insert(s.table).Prepared(true).Rows(rec).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}
	_, err = q.ExecContext(ctx, query, args...)
	return err
}

func (s *StatusStore) update(ctx context.Context, q schemakit.Querier, st Status) error {
	query, args, err := s.builder.Update(s.table).Prepared(true).
		Set(s.record(st)).
		Where(goqu.C(colID).Eq(st.ID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}
	_, err = q.ExecContext(ctx, query, args...)
	return err
}

type upserter interface {
	upsert(ctx context.Context, q schemakit.Querier, st Status) error
}

// atomicUpsert relies on ON CONFLICT ... DO UPDATE (ON DUPLICATE KEY UPDATE for MySQL).
type atomicUpsert struct {
	s *StatusStore
}

func (u atomicUpsert) upsert(ctx context.Context, q schemakit.Querier, st Status) error {
	rec := u.s.record(st)
	row := u.s.record(st)
	row[colID] = st.ID
	query, args, err := u.s.builder.Insert(u.s.table).Prepared(true).
		Rows(row).
		OnConflict(goqu.DoUpdate(colID, rec)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert query: %w", err)
	}
	_, err = q.ExecContext(ctx, query, args...)
	return err
}

// manualUpsert checks whether the row exists and then updates or inserts it.
type manualUpsert struct {
	s *StatusStore
}

func (u manualUpsert) upsert(ctx context.Context, q schemakit.Querier, st Status) error {
	query, args, err := u.s.builder.From(u.s.table).Prepared(true).
		Select(goqu.COUNT("*")).
		Where(goqu.C(colID).Eq(st.ID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build count query: %w", err)
	}
	var n int
	if err = q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return u.s.update(ctx, q, st)
	}
	return u.s.insert(ctx, q, st)
}

func nullTimeValue(t sql.NullTime) interface{} {
	if !t.Valid {
		return nil
	}
	return t.Time
}

var serverVersionRe = regexp.MustCompile(`^\d+(\.\d+){0,2}`)

func supportsAtomicUpsert(ctx context.Context, q schemakit.Querier, dialect schemakit.Dialect) (bool, error) {
	var versionQuery, minVersion string
	switch {
	case dialect == schemakit.DialectMySQL:
		return true, nil
	case dialect == schemakit.DialectMSSQL:
		return false, nil
	case dialect == schemakit.DialectSQLite:
		versionQuery, minVersion = "SELECT sqlite_version()", minSQLiteUpsertVersion
	case dialect.IsPostgres():
		versionQuery, minVersion = "SHOW server_version", minPostgresUpsertVersion
	default:
		return false, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	var raw string
	if err := q.QueryRowContext(ctx, versionQuery).Scan(&raw); err != nil {
		return false, fmt.Errorf("query %s server version: %w", dialect, err)
	}
	version, ok := canonicalVersion(raw)
	if !ok {
		return false, fmt.Errorf("parse %s server version %q", dialect, raw)
	}
	return semver.Compare(version, minVersion) >= 0, nil
}

// canonicalVersion turns "16.2 (Debian 16.2-1.pgdg120+2)" or "3.45.1" into a semver string ("v16.2", "v3.45.1").
func canonicalVersion(raw string) (string, bool) {
	m := serverVersionRe.FindString(raw)
	if m == "" {
		return "", false
	}
	v := semver.Canonical("v" + m)
	return v, v != ""
}
