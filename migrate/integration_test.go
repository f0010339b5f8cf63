/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package migrate_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	schemakit "github.com/acronis/go-schemakit"
	dbtesting "github.com/acronis/go-schemakit/internal/testing"
	"github.com/acronis/go-schemakit/migrate"
)

func TestRegistry_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration tests require Docker")
	}

	for _, dialect := range []schemakit.Dialect{schemakit.DialectPostgres, schemakit.DialectPgx, schemakit.DialectMySQL} {
		t.Run(string(dialect), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			db, connString, stop := dbtesting.MustRunAndOpenTestDB(ctx, dialect)
			defer func() { require.NoError(t, stop(ctx)) }()

			pool := schemakit.NewPool()
			defer func() { require.NoError(t, pool.Close()) }()

			specs := []migrate.Spec{
				migrate.NewSpec(1, "00001-create-users", "create users",
					migrate.SQLFileLoader(testdataFS, "testdata/00001-create-users.sql")),
				migrate.NewSpec(2, "00002-add-email", "add email",
					migrate.SQLFileLoader(testdataFS, "testdata/00002-add-email.sql")),
			}
			registry, err := migrate.NewRegistry(specs, pool, migrate.WithConnString(connString))
			require.NoError(t, err)

			require.NoError(t, registry.UpOne(ctx))
			assert.Equal(t, 0, countColumns(ctx, t, db, "users", "email"))
			assert.Equal(t, 1, countColumns(ctx, t, db, "users", "login"))

			require.NoError(t, registry.UpAll(ctx))
			assert.Equal(t, 1, countColumns(ctx, t, db, "users", "email"))

			require.NoError(t, registry.UpAll(ctx))

			require.NoError(t, registry.DownLast(ctx))
			assert.Equal(t, 0, countColumns(ctx, t, db, "users", "email"))
			assert.Equal(t, 1, countColumns(ctx, t, db, "users", "login"))

			statuses, err := registry.Statuses(ctx)
			require.NoError(t, err)
			require.Len(t, statuses, 2)
			assert.True(t, statuses[0].IsApplied)
			assert.False(t, statuses[1].IsApplied)
			assert.True(t, statuses[1].LastUp.Valid)
			assert.True(t, statuses[1].LastDown.Valid)

			store, err := migrate.NewStatusStore(ctx, db, dialect, schemakit.DefaultMigrationsTableName)
			require.NoError(t, err)
			assert.True(t, store.Atomic(), "modern servers support atomic upserts")

			require.NoError(t, registry.DownAll(ctx))
			assert.Equal(t, 0, countColumns(ctx, t, db, "users", "login"))
		})
	}
}

func countColumns(ctx context.Context, t *testing.T, db *sql.DB, table, column string) int {
	t.Helper()
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM information_schema.columns
		WHERE table_name = '`+table+`' AND column_name = '`+column+`'`).Scan(&n)
	require.NoError(t, err)
	return n
}
