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

	"github.com/doug-martin/goqu/v9"

	schemakit "github.com/acronis/go-schemakit"
)

// FormatVersion is the format of the bookkeeping tables (not to be confused with the state of user migrations).
type FormatVersion int

// Bookkeeping formats.
const (
	// FormatUnknown means the format has not been detected yet.
	FormatUnknown FormatVersion = -1
	// FormatNone means there are no bookkeeping tables.
	FormatNone FormatVersion = 0
	// FormatLegacy is the status table keyed by the integer migration index.
	FormatLegacy FormatVersion = 1
	// FormatCurrent is the status table keyed by the string migration id, plus the version table.
	FormatCurrent FormatVersion = 2
)

func (v FormatVersion) String() string {
	switch v {
	case FormatUnknown:
		return "unknown"
	case FormatNone:
		return "none"
	case FormatLegacy:
		return "v1"
	case FormatCurrent:
		return "v2"
	}
	return fmt.Sprintf("v%d", int(v))
}

// Versioner detects the format of the bookkeeping tables and upgrades them to FormatCurrent.
type Versioner struct {
	statusTable  string
	versionTable string
	ddl          bookkeepingSQL
	builder      goqu.DialectWrapper
	specsByIndex map[int]Spec
}

// NewVersioner creates a Versioner. specs are used to map rows of the legacy format to migration ids.
func NewVersioner(dialect schemakit.Dialect, statusTable, versionTable string, specs []Spec) (*Versioner, error) {
	goquDialect, err := dialect.GoquDialect()
	if err != nil {
		return nil, err
	}
	ddl, err := newBookkeepingSQL(dialect, statusTable, versionTable)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]Spec, len(specs))
	for _, spec := range specs {
		byIndex[spec.Index] = spec
	}
	return &Versioner{
		statusTable:  statusTable,
		versionTable: versionTable,
		ddl:          ddl,
		builder:      goqu.Dialect(goquDialect),
		specsByIndex: byIndex,
	}, nil
}

// Detect returns the format of the bookkeeping tables.
func (v *Versioner) Detect(ctx context.Context, q schemakit.Querier) (FormatVersion, error) {
	hasVersionTable, err := v.ddl.hasTable(ctx, q, v.versionTable)
	if err != nil {
		return FormatUnknown, err
	}
	if hasVersionTable {
		stored, found, err := v.readVersion(ctx, q)
		if err != nil {
			return FormatUnknown, err
		}
		if stored > FormatCurrent {
			return FormatUnknown, fmt.Errorf("%w: %d", ErrUnsupportedFormat, int(stored))
		}
		if found && stored > FormatNone {
			return stored, nil
		}
	}

	hasStatusTable, err := v.ddl.hasTable(ctx, q, v.statusTable)
	if err != nil {
		return FormatUnknown, err
	}
	if hasStatusTable {
		return FormatLegacy, nil
	}
	return FormatNone, nil
}

// Ensure brings the bookkeeping tables to FormatCurrent within a single transaction
// and returns the format that was found before. Nothing is written if the tables are already current.
func (v *Versioner) Ensure(ctx context.Context, db *sql.DB, options ...schemakit.TxOption) (FormatVersion, error) {
	found := FormatUnknown
	err := schemakit.DoInTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		if found, err = v.Detect(ctx, tx); err != nil {
			return err
		}
		switch found {
		case FormatNone:
			return v.create(ctx, tx)
		case FormatLegacy:
			return v.upgradeLegacy(ctx, tx)
		}
		return nil
	}, options...)
	if err != nil {
		return FormatUnknown, err
	}
	return found, nil
}

func (v *Versioner) create(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, v.ddl.createVersionTable); err != nil {
		return fmt.Errorf("create table %s: %w", v.versionTable, err)
	}
	if _, err := tx.ExecContext(ctx, v.ddl.createStatusTable); err != nil {
		return fmt.Errorf("create table %s: %w", v.statusTable, err)
	}
	return v.writeVersion(ctx, tx, FormatCurrent)
}

func (v *Versioner) upgradeLegacy(ctx context.Context, tx *sql.Tx) error {
	legacy, err := v.readLegacyStatuses(ctx, tx)
	if err != nil {
		return err
	}

	statuses := make([]Status, 0, len(legacy))
	for _, st := range legacy {
		spec, ok := v.specsByIndex[st.Index]
		if !ok {
			return fmt.Errorf("%w: index %d", ErrLegacyMapping, st.Index)
		}
		st.ID = spec.ID
		if st.Name == "" {
			st.Name = spec.Name
		}
		statuses = append(statuses, st)
	}

	if _, err = tx.ExecContext(ctx, v.ddl.dropStatusTable); err != nil {
		return fmt.Errorf("drop legacy table %s: %w", v.statusTable, err)
	}
	if err = v.create(ctx, tx); err != nil {
		return err
	}
	store := &StatusStore{builder: v.builder, table: v.statusTable}
	for _, st := range statuses {
		if err = store.insert(ctx, tx, st); err != nil {
			return fmt.Errorf("insert upgraded status of migration %s: %w", st.ID, err)
		}
	}
	return nil
}

func (v *Versioner) readLegacyStatuses(ctx context.Context, q schemakit.Querier) ([]Status, error) {
	query, args, err := v.builder.From(v.statusTable).Prepared(true).
		Select(colIndex, colName, colIsApplied, colLastUp, colLastDown).
		Order(goqu.C(colIndex).Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select legacy statuses query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select legacy statuses: %w", err)
	}
	defer rows.Close() // nolint: errcheck

	var statuses []Status
	for rows.Next() {
		var st Status
		var name sql.NullString
		if err = rows.Scan(&st.Index, &name, &st.IsApplied, &st.LastUp, &st.LastDown); err != nil {
			return nil, fmt.Errorf("scan legacy status: %w", err)
		}
		st.Name = name.String
		statuses = append(statuses, st)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legacy statuses: %w", err)
	}
	return statuses, nil
}

func (v *Versioner) readVersion(ctx context.Context, q schemakit.Querier) (FormatVersion, bool, error) {
	query, args, err := v.builder.From(v.versionTable).Prepared(true).
		Select(colVersion).
		Where(goqu.C(colID).Eq(versionRowID)).
		ToSQL()
	if err != nil {
		return FormatUnknown, false, fmt.Errorf("build select version query: %w", err)
	}
	var version int
	err = q.QueryRowContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return FormatNone, false, nil
	}
	if err != nil {
		return FormatUnknown, false, fmt.Errorf("select bookkeeping version: %w", err)
	}
	return FormatVersion(version), true, nil
}

func (v *Versioner) writeVersion(ctx context.Context, tx *sql.Tx, version FormatVersion) error {
	del, args, err := v.builder.Delete(v.versionTable).Prepared(true).
		Where(goqu.C(colID).Eq(versionRowID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete version query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("delete bookkeeping version: %w", err)
	}

	ins, args, err := v.builder.Insert(v.versionTable).Prepared(true).
		Rows(goqu.Record{colID: versionRowID, colVersion: int(version)}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build insert version query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, ins, args...); err != nil {
		return fmt.Errorf("write bookkeeping version: %w", err)
	}
	return nil
}
