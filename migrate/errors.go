/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package migrate

import "errors"

// ErrLegacyMapping is returned when a bookkeeping row of the legacy (integer keyed) format
// has no migration with the same index. Upgrading would lose the row, so the upgrade is aborted.
var ErrLegacyMapping = errors.New("legacy migration status has no matching migration")

// ErrUnsupportedFormat is returned when the bookkeeping tables were written by a newer
// version of the engine than the running one.
var ErrUnsupportedFormat = errors.New("unsupported bookkeeping format version")

// ErrDuplicateMigrationID is returned by NewRegistry when two migrations share the same id.
var ErrDuplicateMigrationID = errors.New("duplicate migration id")
