/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package migrate_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/acronis/go-appkit/log/logtest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	schemakit "github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/migrate"
)

// callRecorder records which operations were executed.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *callRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func recordedSpecs(rec *callRecorder, ids ...string) []migrate.Spec {
	specs := make([]migrate.Spec, 0, len(ids))
	for i, id := range ids {
		id := id
		specs = append(specs, migrate.NewSpec(i+1, id, "migration "+id, migrate.StaticLoader(migrate.OperationFuncs{
			UpFn: func(ctx context.Context, tx *sql.Tx) error {
				rec.record("up " + id)
				return nil
			},
			DownFn: func(ctx context.Context, tx *sql.Tx) error {
				rec.record("down " + id)
				return nil
			},
		})))
	}
	return specs
}

// steppingClock returns a new minute on every call.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newTestRegistry(t *testing.T, specs []migrate.Spec, options ...migrate.RegistryOption) (*migrate.Registry, string) {
	t.Helper()
	connString := newSQLiteConnString(t)
	pool := schemakit.NewPool()
	t.Cleanup(func() { _ = pool.Close() })
	registry, err := migrate.NewRegistry(specs, pool, append([]migrate.RegistryOption{migrate.WithConnString(connString)}, options...)...)
	require.NoError(t, err)
	return registry, connString
}

func requireApplied(t *testing.T, registry *migrate.Registry, want map[string]bool) {
	t.Helper()
	statuses, err := registry.Statuses(context.Background())
	require.NoError(t, err)
	got := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		got[st.ID] = st.IsApplied
	}
	require.Equal(t, want, got)
}

func TestRegistry_UpAllIsIdempotent(t *testing.T) {
	for _, mode := range []schemakit.UpsertMode{schemakit.UpsertModeAtomic, schemakit.UpsertModeManual} {
		t.Run(string(mode), func(t *testing.T) {
			rec := &callRecorder{}
			registry, _ := newTestRegistry(t, recordedSpecs(rec, "a", "b", "c"), migrate.WithUpsertMode(mode))

			require.NoError(t, registry.UpAll(context.Background()))
			assert.Equal(t, []string{"up a", "up b", "up c"}, rec.get())

			require.NoError(t, registry.UpAll(context.Background()))
			assert.Equal(t, []string{"up a", "up b", "up c"}, rec.get(), "second UpAll must not run anything")
			requireApplied(t, registry, map[string]bool{"a": true, "b": true, "c": true})
		})
	}
}

func TestRegistry_UpAllThenDownAll(t *testing.T) {
	ctx := context.Background()
	rec := &callRecorder{}
	clock := &steppingClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	registry, _ := newTestRegistry(t, recordedSpecs(rec, "a", "b"), migrate.WithClock(clock.Now))

	require.NoError(t, registry.UpAll(ctx))
	applied, err := registry.Statuses(ctx)
	require.NoError(t, err)

	require.NoError(t, registry.DownAll(ctx))
	assert.Equal(t, []string{"up a", "up b", "down b", "down a"}, rec.get())

	reverted, err := registry.Statuses(ctx)
	require.NoError(t, err)
	require.Len(t, reverted, 2)
	for i, st := range reverted {
		assert.False(t, st.IsApplied, st.ID)
		require.True(t, st.LastUp.Valid, st.ID)
		require.True(t, st.LastDown.Valid, st.ID)
		assert.True(t, applied[i].LastUp.Time.Equal(st.LastUp.Time), "lastUp of %s must be preserved", st.ID)
		assert.True(t, st.LastDown.Time.After(st.LastUp.Time), st.ID)
	}
}

func TestRegistry_DownOneRevertsHighestApplied(t *testing.T) {
	ctx := context.Background()
	rec := &callRecorder{}
	registry, _ := newTestRegistry(t, recordedSpecs(rec, "a", "b", "c"))

	require.NoError(t, registry.UpAll(ctx))
	require.NoError(t, registry.DownOne(ctx))
	requireApplied(t, registry, map[string]bool{"a": true, "b": true, "c": false})

	require.NoError(t, registry.DownAll(ctx))
	require.NoError(t, registry.UpOne(ctx))
	require.NoError(t, registry.UpOne(ctx))
	requireApplied(t, registry, map[string]bool{"a": true, "b": true, "c": false})

	require.NoError(t, registry.DownOne(ctx))
	requireApplied(t, registry, map[string]bool{"a": true, "b": false, "c": false})

	assert.Equal(t, []string{
		"up a", "up b", "up c",
		"down c",
		"down b", "down a",
		"up a", "up b",
		"down b",
	}, rec.get())
}

func TestRegistry_EndToEnd(t *testing.T) {
	ctx := context.Background()
	specs := []migrate.Spec{
		migrate.NewSpec(1, "00001-create-users", "create users",
			migrate.SQLFileLoader(testdataFS, "testdata/00001-create-users.sql")),
		migrate.NewSpec(2, "00002-add-email", "add email",
			migrate.SQLFileLoader(testdataFS, "testdata/00002-add-email.sql")),
	}
	registry, connString := newTestRegistry(t, specs)
	db := openSQLite(t, connString)

	require.NoError(t, registry.UpOne(ctx))
	require.True(t, tableExists(t, db, "users"))
	assert.Equal(t, []string{"id", "login"}, tableColumns(t, db, "users"))

	require.NoError(t, registry.UpAll(ctx))
	assert.Equal(t, []string{"id", "login", "email"}, tableColumns(t, db, "users"))

	require.NoError(t, registry.DownLast(ctx))
	require.True(t, tableExists(t, db, "users"))
	assert.Equal(t, []string{"id", "login"}, tableColumns(t, db, "users"))

	st, err := registry.GetMigrationStatus(ctx, "00001-create-users", "create users")
	require.NoError(t, err)
	assert.True(t, st.IsApplied)
	st, err = registry.GetMigrationStatus(ctx, "00002-add-email", "add email")
	require.NoError(t, err)
	assert.False(t, st.IsApplied)
	assert.True(t, st.LastUp.Valid)
	assert.True(t, st.LastDown.Valid)
}

func TestRegistry_RollsBackWholeBatchOnError(t *testing.T) {
	ctx := context.Background()
	errBoom := errors.New("boom")
	specs := []migrate.Spec{
		migrate.NewSpec(1, "a", "create t", migrate.StaticLoader(&migrate.SQLOperation{
			UpSQL:   []string{"CREATE TABLE t (id INTEGER)"},
			DownSQL: []string{"DROP TABLE t"},
		})),
		migrate.NewSpec(2, "b", "fail", migrate.StaticLoader(migrate.OperationFuncs{
			UpFn: func(ctx context.Context, tx *sql.Tx) error { return errBoom },
		})),
	}
	registry, connString := newTestRegistry(t, specs)
	db := openSQLite(t, connString)

	err := registry.UpAll(ctx)
	require.Equal(t, errBoom, err, "execution error must be returned as is")
	assert.False(t, tableExists(t, db, "t"))
	requireApplied(t, registry, map[string]bool{"a": false, "b": false})

	// A batch that doesn't include the failing migration commits.
	require.NoError(t, registry.UpOne(ctx))
	assert.True(t, tableExists(t, db, "t"))
	requireApplied(t, registry, map[string]bool{"a": true, "b": false})
}

func TestRegistry_SkipsMigrationsChangedAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	rec := &callRecorder{}
	var connString string

	// The loader runs between the snapshot and the batch transaction,
	// so it's the place to emulate another runner applying the migration.
	specs := recordedSpecs(rec, "a", "b")
	specs[0].Loader = migrate.NewLoader(func() (migrate.Operation, error) {
		db := openSQLite(t, connString)
		_, err := db.Exec(`INSERT INTO schema_migrations ("id", "index", "name", "isApplied", "lastUp") VALUES (?, ?, ?, ?, ?)`,
			"a", 1, "migration a", true, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		return migrate.OperationFuncs{UpFn: func(ctx context.Context, tx *sql.Tx) error {
			rec.record("up a")
			return nil
		}}, nil
	})

	registry, cs := newTestRegistry(t, specs)
	connString = cs

	require.NoError(t, registry.UpAll(ctx))
	assert.Equal(t, []string{"up b"}, rec.get())
	requireApplied(t, registry, map[string]bool{"a": true, "b": true})
}

func TestRegistry_LoadsOperationsLazily(t *testing.T) {
	ctx := context.Background()
	var loads int
	spec := migrate.NewSpec(1, "a", "a", migrate.NewLoader(func() (migrate.Operation, error) {
		loads++
		return migrate.OperationFuncs{}, nil
	}))
	registry, _ := newTestRegistry(t, []migrate.Spec{spec})

	_, err := registry.Statuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, loads)

	require.NoError(t, registry.UpAll(ctx))
	require.NoError(t, registry.DownAll(ctx))
	require.NoError(t, registry.UpAll(ctx))
	assert.Equal(t, 1, loads)
}

func TestRegistry_LoaderError(t *testing.T) {
	errLoad := errors.New("no such file")
	spec := migrate.NewSpec(1, "a", "a", migrate.NewLoader(func() (migrate.Operation, error) {
		return nil, errLoad
	}))
	registry, _ := newTestRegistry(t, []migrate.Spec{spec})

	err := registry.UpAll(context.Background())
	require.ErrorIs(t, err, errLoad)
	assert.Contains(t, err.Error(), "load migration a")
}

func TestRegistry_GetMigrationStatus(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t, recordedSpecs(&callRecorder{}, "a"))

	st, err := registry.GetMigrationStatus(ctx, "a", "migration a")
	require.NoError(t, err)
	assert.Equal(t, migrate.Status{ID: "a", Index: 1, Name: "migration a"}, st)

	st, err = registry.GetMigrationStatus(ctx, "unregistered", "whatever")
	require.NoError(t, err)
	assert.Equal(t, migrate.Status{ID: "unregistered", Name: "whatever"}, st)

	require.NoError(t, registry.UpOne(ctx, migrate.Silent()))
	st, err = registry.GetMigrationStatus(ctx, "a", "migration a")
	require.NoError(t, err)
	assert.True(t, st.IsApplied)
}

func TestRegistry_WithConnOverridesDefault(t *testing.T) {
	ctx := context.Background()
	pool := schemakit.NewPool()
	defer func() { _ = pool.Close() }()

	registry, err := migrate.NewRegistry(recordedSpecs(&callRecorder{}, "a"), pool)
	require.NoError(t, err)

	err = registry.UpAll(ctx)
	require.ErrorIs(t, err, schemakit.ErrNoConnString)

	first, second := newSQLiteConnString(t), newSQLiteConnString(t)
	require.NoError(t, registry.UpAll(ctx, migrate.WithConn(first)))

	st, err := registry.GetMigrationStatus(ctx, "a", "migration a", migrate.WithConn(first))
	require.NoError(t, err)
	assert.True(t, st.IsApplied)
	st, err = registry.GetMigrationStatus(ctx, "a", "migration a", migrate.WithConn(second))
	require.NoError(t, err)
	assert.False(t, st.IsApplied)

	assert.Equal(t, 0, pool.Len(), "all handles must be released")
}

func TestRegistry_Metrics(t *testing.T) {
	ctx := context.Background()
	metrics := schemakit.NewPrometheusMetrics()
	registry, _ := newTestRegistry(t, recordedSpecs(&callRecorder{}, "a", "b"), migrate.WithMetrics(metrics))

	require.NoError(t, registry.UpAll(ctx))
	require.NoError(t, registry.DownOne(ctx))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Migrations.WithLabelValues("up")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Migrations.WithLabelValues("down")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.BatchDurations))
}

type countingLocker struct {
	calls int
}

func (l *countingLocker) LockBatch(ctx context.Context, h *schemakit.Handle, fn func(ctx context.Context) error) error {
	l.calls++
	return fn(ctx)
}

func TestRegistry_WithBatchLocker(t *testing.T) {
	locker := &countingLocker{}
	registry, _ := newTestRegistry(t, recordedSpecs(&callRecorder{}, "a"), migrate.WithBatchLocker(locker))

	require.NoError(t, registry.UpAll(context.Background()))
	require.NoError(t, registry.DownAll(context.Background()))
	assert.Equal(t, 2, locker.calls)
}

type lockOwnerKey struct{}

// cancelableLocker runs fn with its own cancelable context, like a lock that can be lost.
type cancelableLocker struct {
	cancel context.CancelFunc
}

func (l *cancelableLocker) LockBatch(ctx context.Context, h *schemakit.Handle, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithCancel(context.WithValue(ctx, lockOwnerKey{}, "batch-lock"))
	defer cancel()
	l.cancel = cancel
	return fn(lockCtx)
}

func TestRegistry_BatchRunsWithLockContext(t *testing.T) {
	var owners []interface{}
	specs := []migrate.Spec{
		migrate.NewSpec(1, "a", "a", migrate.StaticLoader(migrate.OperationFuncs{
			UpFn: func(ctx context.Context, tx *sql.Tx) error {
				owners = append(owners, ctx.Value(lockOwnerKey{}))
				return nil
			},
		})),
	}
	registry, _ := newTestRegistry(t, specs, migrate.WithBatchLocker(&cancelableLocker{}))

	require.NoError(t, registry.UpAll(context.Background()))
	require.Equal(t, []interface{}{"batch-lock"}, owners)
}

func TestRegistry_LostLockAbortsBatch(t *testing.T) {
	locker := &cancelableLocker{}
	rec := &callRecorder{}
	specs := []migrate.Spec{
		migrate.NewSpec(1, "a", "a", migrate.StaticLoader(migrate.OperationFuncs{
			UpFn: func(ctx context.Context, tx *sql.Tx) error {
				rec.record("up a")
				locker.cancel()
				return nil
			},
		})),
		recordedSpecs(rec, "a", "b")[1],
	}
	connString := newSQLiteConnString(t)
	pool := schemakit.NewPool()
	t.Cleanup(func() { _ = pool.Close() })
	registry, err := migrate.NewRegistry(specs, pool, migrate.WithConnString(connString), migrate.WithBatchLocker(locker))
	require.NoError(t, err)

	require.Error(t, registry.UpAll(context.Background()))
	assert.Equal(t, []string{"up a"}, rec.get(), "the batch must stop once its lock context is canceled")

	unlocked, err := migrate.NewRegistry(specs, pool, migrate.WithConnString(connString))
	require.NoError(t, err)
	requireApplied(t, unlocked, map[string]bool{"a": false, "b": false})
}

func TestRegistry_CustomTableNames(t *testing.T) {
	registry, connString := newTestRegistry(t, recordedSpecs(&callRecorder{}, "a"),
		migrate.WithTableName("app_migrations"), migrate.WithVersionTableName("app_migrations_format"))
	db := openSQLite(t, connString)

	require.NoError(t, registry.UpAll(context.Background()))
	assert.True(t, tableExists(t, db, "app_migrations"))
	assert.True(t, tableExists(t, db, "app_migrations_format"))
	assert.False(t, tableExists(t, db, "schema_migrations"))
}

func TestRegistry_UpgradesLegacyBookkeeping(t *testing.T) {
	ctx := context.Background()
	rec := &callRecorder{}
	registry, connString := newTestRegistry(t, recordedSpecs(rec, "a", "b"))
	db := openSQLite(t, connString)

	_, err := db.Exec(legacyStatusTableSQL)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO schema_migrations ("index", "name", "isApplied", "lastUp") VALUES (?, ?, ?, ?)`,
		1, "migration a", true, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, registry.UpAll(ctx))
	assert.Equal(t, []string{"up b"}, rec.get())
	requireApplied(t, registry, map[string]bool{"a": true, "b": true})
}

func TestRegistry_LogsBookkeepingChanges(t *testing.T) {
	ctx := context.Background()

	logRecorder := logtest.NewRecorder()
	registry, _ := newTestRegistry(t, recordedSpecs(&callRecorder{}, "a"), migrate.WithLogger(logRecorder))
	require.NoError(t, registry.UpAll(ctx))
	_, found := logRecorder.FindEntry("bookkeeping tables created")
	assert.True(t, found)
	_, found = logRecorder.FindEntry("bookkeeping tables upgraded")
	assert.False(t, found, "fresh tables are not an upgrade")

	logRecorder = logtest.NewRecorder()
	registry, connString := newTestRegistry(t, recordedSpecs(&callRecorder{}, "a"), migrate.WithLogger(logRecorder))
	_, err := openSQLite(t, connString).Exec(legacyStatusTableSQL)
	require.NoError(t, err)
	require.NoError(t, registry.UpAll(ctx))
	_, found = logRecorder.FindEntry("bookkeeping tables upgraded")
	assert.True(t, found)
	_, found = logRecorder.FindEntry("bookkeeping tables created")
	assert.False(t, found)
}

func TestNewRegistry_Validation(t *testing.T) {
	pool := schemakit.NewPool()
	noop := migrate.StaticLoader(migrate.OperationFuncs{})

	_, err := migrate.NewRegistry(nil, nil)
	require.Error(t, err)

	_, err = migrate.NewRegistry([]migrate.Spec{
		migrate.NewSpec(1, "a", "a", noop),
		migrate.NewSpec(2, "a", "a again", noop),
	}, pool)
	require.ErrorIs(t, err, migrate.ErrDuplicateMigrationID)

	_, err = migrate.NewRegistry([]migrate.Spec{{Index: 1, ID: "a"}}, pool)
	require.Error(t, err)

	_, err = migrate.NewRegistry(nil, pool, migrate.WithTableName("t"), migrate.WithVersionTableName("t"))
	require.Error(t, err)

	registry, err := migrate.NewRegistry([]migrate.Spec{
		migrate.NewSpec(2, "b", "b", noop),
		migrate.NewSpec(1, "a", "a", noop),
	}, pool)
	require.NoError(t, err)
	specs := registry.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "a", specs[0].ID)
	assert.Equal(t, "b", specs[1].ID)
}
