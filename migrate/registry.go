/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/acronis/go-appkit/log"

	schemakit "github.com/acronis/go-schemakit"
)

// Batch operation names, also used as values of the metrics "operation" label.
const (
	OperationUpOne    = "up-one"
	OperationUpAll    = "up-all"
	OperationDownOne  = "down-one"
	OperationDownAll  = "down-all"
	OperationDownLast = "down-last"
)

// Metrics collects observations about migration batches.
// *schemakit.PrometheusMetrics implements it.
type Metrics interface {
	ObserveBatch(operation, direction string, elapsed time.Duration, applied int, err error)
}

// BatchLocker serializes batches across processes.
// LockBatch must return the error of fn as is.
type BatchLocker interface {
	LockBatch(ctx context.Context, h *schemakit.Handle, fn func(ctx context.Context) error) error
}

// Registry is an ordered set of migrations together with the logic that applies and reverts them.
type Registry struct {
	specs []Spec
	pool  *schemakit.Pool
	opts  registryOptions
}

type registryOptions struct {
	connString       string
	logger           log.FieldLogger
	tableName        string
	versionTableName string
	txOptions        *sql.TxOptions
	metrics          Metrics
	locker           BatchLocker
	clock            func() time.Time
	upsertMode       schemakit.UpsertMode
}

// RegistryOption is a functional option for NewRegistry.
type RegistryOption func(*registryOptions)

// WithConnString sets the connection string used when a call doesn't pass its own via WithConn.
func WithConnString(connString string) RegistryOption {
	return func(o *registryOptions) {
		o.connString = connString
	}
}

// WithLogger sets the logger that narrates which migrations run.
func WithLogger(logger log.FieldLogger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// WithTableName sets a custom migration status table name.
func WithTableName(name string) RegistryOption {
	return func(o *registryOptions) {
		o.tableName = name
	}
}

// WithVersionTableName sets a custom bookkeeping version table name.
func WithVersionTableName(name string) RegistryOption {
	return func(o *registryOptions) {
		o.versionTableName = name
	}
}

// WithTxOptions sets options of the batch transaction (e.g. the isolation level).
func WithTxOptions(opts *sql.TxOptions) RegistryOption {
	return func(o *registryOptions) {
		o.txOptions = opts
	}
}

// WithMetrics enables collecting batch metrics.
func WithMetrics(metrics Metrics) RegistryOption {
	return func(o *registryOptions) {
		o.metrics = metrics
	}
}

// WithBatchLocker makes every batch run under the given lock.
// Without it, concurrent runners are only guarded by the status re-check inside the batch transaction.
func WithBatchLocker(locker BatchLocker) RegistryOption {
	return func(o *registryOptions) {
		o.locker = locker
	}
}

// WithClock sets the source of lastUp/lastDown timestamps.
func WithClock(clock func() time.Time) RegistryOption {
	return func(o *registryOptions) {
		o.clock = clock
	}
}

// WithUpsertMode forces the way status rows are upserted.
func WithUpsertMode(mode schemakit.UpsertMode) RegistryOption {
	return func(o *registryOptions) {
		o.upsertMode = mode
	}
}

// RunOption is a functional option for a single Registry call.
type RunOption func(*runOptions)

type runOptions struct {
	connString string
	silent     bool
}

// WithConn runs the call against the given connection string.
func WithConn(connString string) RunOption {
	return func(o *runOptions) {
		o.connString = connString
	}
}

// Silent suppresses narration for the call.
func Silent() RunOption {
	return func(o *runOptions) {
		o.silent = true
	}
}

// NewRegistry creates a Registry. Specs are ordered by Index; their ids must be unique.
func NewRegistry(specs []Spec, pool *schemakit.Pool, options ...RegistryOption) (*Registry, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}

	opts := registryOptions{
		logger:           log.NewDisabledLogger(),
		tableName:        schemakit.DefaultMigrationsTableName,
		versionTableName: schemakit.DefaultMigrationsVersionTableName,
		clock:            func() time.Time { return time.Now().UTC() },
		upsertMode:       schemakit.UpsertModeAuto,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.tableName == opts.versionTableName {
		return nil, fmt.Errorf("status and version tables must differ, both are %q", opts.tableName)
	}

	sorted := make([]Spec, len(specs))
	copy(sorted, specs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})
	seen := make(map[string]struct{}, len(sorted))
	for _, spec := range sorted {
		if spec.Loader == nil {
			return nil, fmt.Errorf("migration %s has no loader", spec.ID)
		}
		if _, ok := seen[spec.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMigrationID, spec.ID)
		}
		seen[spec.ID] = struct{}{}
	}

	return &Registry{specs: sorted, pool: pool, opts: opts}, nil
}

// Specs returns registered migrations ordered by Index.
func (r *Registry) Specs() []Spec {
	specs := make([]Spec, len(r.specs))
	copy(specs, r.specs)
	return specs
}

// UpOne applies the lowest-index unapplied migration.
func (r *Registry) UpOne(ctx context.Context, options ...RunOption) error {
	return r.run(ctx, batch{name: OperationUpOne, direction: DirectionUp, limit: 1}, options)
}

// UpAll applies every unapplied migration in ascending index order.
func (r *Registry) UpAll(ctx context.Context, options ...RunOption) error {
	return r.run(ctx, batch{name: OperationUpAll, direction: DirectionUp}, options)
}

// DownOne reverts the highest-index applied migration.
func (r *Registry) DownOne(ctx context.Context, options ...RunOption) error {
	return r.run(ctx, batch{name: OperationDownOne, direction: DirectionDown, limit: 1}, options)
}

// DownAll reverts every applied migration in descending index order.
func (r *Registry) DownAll(ctx context.Context, options ...RunOption) error {
	return r.run(ctx, batch{name: OperationDownAll, direction: DirectionDown}, options)
}

// DownLast reverts the applied migration with the highest index.
func (r *Registry) DownLast(ctx context.Context, options ...RunOption) error {
	return r.run(ctx, batch{name: OperationDownLast, direction: DirectionDown, limit: 1}, options)
}

// GetMigrationStatus returns the persisted status of the migration with the given id,
// or the default unapplied status if the migration has never run.
func (r *Registry) GetMigrationStatus(ctx context.Context, id, name string, options ...RunOption) (Status, error) {
	spec := Spec{ID: id, Name: name}
	for _, s := range r.specs {
		if s.ID == id {
			spec.Index = s.Index
			break
		}
	}

	var st Status
	err := r.withStore(ctx, options, func(
		ctx context.Context, h *schemakit.Handle, store *StatusStore, _ log.FieldLogger,
	) error {
		var err error
		st, err = store.Get(ctx, h.DB(), spec)
		return err
	})
	return st, err
}

// Statuses returns statuses of all registered migrations ordered by Index.
func (r *Registry) Statuses(ctx context.Context, options ...RunOption) ([]Status, error) {
	var statuses []Status
	err := r.withStore(ctx, options, func(
		ctx context.Context, h *schemakit.Handle, store *StatusStore, _ log.FieldLogger,
	) error {
		var err error
		statuses, err = r.snapshot(ctx, h.DB(), store)
		return err
	})
	return statuses, err
}

type batch struct {
	name      string
	direction Direction
	limit     int // 0 means no limit
}

func (r *Registry) run(ctx context.Context, b batch, options []RunOption) error {
	started := time.Now()
	var applied int
	err := r.withStore(ctx, options, func(
		ctx context.Context, h *schemakit.Handle, store *StatusStore, logger log.FieldLogger,
	) error {
		var err error
		applied, err = r.runBatch(ctx, h, store, b, logger)
		return err
	})
	if r.opts.metrics != nil {
		r.opts.metrics.ObserveBatch(b.name, string(b.direction), time.Since(started), applied, err)
	}
	return err
}

// withStore acquires the connection, brings the bookkeeping tables to the current format and calls fn.
// When a batch locker is configured, all of this happens under the lock and fn gets the context of the lock,
// which is canceled once the lock is lost.
func (r *Registry) withStore(
	ctx context.Context, options []RunOption,
	fn func(ctx context.Context, h *schemakit.Handle, store *StatusStore, logger log.FieldLogger) error,
) (err error) {
	var ro runOptions
	for _, opt := range options {
		opt(&ro)
	}
	connString := ro.connString
	if connString == "" {
		connString = r.opts.connString
	}
	logger := r.opts.logger
	if ro.silent {
		logger = log.NewDisabledLogger()
	}

	h, err := r.pool.Acquire(ctx, connString)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := h.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	do := func(ctx context.Context) error {
		store, err := r.ensureBookkeeping(ctx, h, logger)
		if err != nil {
			return err
		}
		return fn(ctx, h, store, logger)
	}
	if r.opts.locker != nil {
		return r.opts.locker.LockBatch(ctx, h, do)
	}
	return do(ctx)
}

func (r *Registry) ensureBookkeeping(ctx context.Context, h *schemakit.Handle, logger log.FieldLogger) (*StatusStore, error) {
	versioner, err := NewVersioner(h.Dialect(), r.opts.tableName, r.opts.versionTableName, r.specs)
	if err != nil {
		return nil, err
	}
	found, err := versioner.Ensure(ctx, h.DB(), r.txOptions()...)
	if err != nil {
		return nil, fmt.Errorf("ensure bookkeeping tables: %w", err)
	}
	switch found {
	case FormatNone:
		logger.Info("bookkeeping tables created", log.String("format", FormatCurrent.String()))
	case FormatLegacy:
		logger.Info("bookkeeping tables upgraded",
			log.String("from", found.String()), log.String("to", FormatCurrent.String()))
	}

	key := fmt.Sprintf("migrate.status-store:%s:%s", r.opts.tableName, r.opts.upsertMode)
	store, err := h.Memo(key, func() (interface{}, error) {
		return NewStatusStore(ctx, h.DB(), h.Dialect(), r.opts.tableName, WithStatusUpsertMode(r.opts.upsertMode))
	})
	if err != nil {
		return nil, fmt.Errorf("create status store: %w", err)
	}
	return store.(*StatusStore), nil
}

func (r *Registry) runBatch(
	ctx context.Context, h *schemakit.Handle, store *StatusStore, b batch, logger log.FieldLogger,
) (int, error) {
	statuses, err := r.snapshot(ctx, h.DB(), store)
	if err != nil {
		return 0, err
	}
	candidates := selectCandidates(r.specs, statuses, b)
	if len(candidates) == 0 {
		logger.Info(fmt.Sprintf("No migrations to run (%s)", b.name))
		return 0, nil
	}

	ops := make([]Operation, len(candidates))
	for i, spec := range candidates {
		if ops[i], err = spec.Loader.Load(); err != nil {
			return 0, fmt.Errorf("load migration %s: %w", spec.ID, err)
		}
	}

	var done []Spec
	err = schemakit.DoInTx(ctx, h.DB(), func(tx *sql.Tx) error {
		for i, spec := range candidates {
			st, err := store.Get(ctx, tx, spec)
			if err != nil {
				return err
			}
			if st.IsApplied != (b.direction == DirectionDown) {
				continue
			}
			if b.direction == DirectionUp {
				err = ops[i].Up(ctx, tx)
			} else {
				err = ops[i].Down(ctx, tx)
			}
			if err != nil {
				return err
			}

			now := sql.NullTime{Time: r.opts.clock(), Valid: true}
			st.Index, st.Name = spec.Index, spec.Name
			if b.direction == DirectionUp {
				st.IsApplied, st.LastUp = true, now
			} else {
				st.IsApplied, st.LastDown = false, now
			}
			if err = store.Set(ctx, tx, st); err != nil {
				return err
			}
			done = append(done, spec)
		}
		return nil
	}, r.txOptions()...)
	if err != nil {
		return 0, err
	}

	for _, spec := range done {
		logger.Info(fmt.Sprintf("Migrated %s: %s", b.direction, spec.ID),
			log.String("migration", spec.ID), log.String("direction", string(b.direction)))
	}
	return len(done), nil
}

func (r *Registry) snapshot(ctx context.Context, q schemakit.Querier, store *StatusStore) ([]Status, error) {
	statuses := make([]Status, len(r.specs))
	for i, spec := range r.specs {
		st, err := store.Get(ctx, q, spec)
		if err != nil {
			return nil, err
		}
		statuses[i] = st
	}
	return statuses, nil
}

// selectCandidates picks the migrations a batch will try to run, in execution order.
// specs and statuses are parallel slices ordered by ascending Index.
func selectCandidates(specs []Spec, statuses []Status, b batch) []Spec {
	var candidates []Spec
	add := func(i int) bool {
		candidates = append(candidates, specs[i])
		return b.limit > 0 && len(candidates) >= b.limit
	}
	if b.direction == DirectionUp {
		for i := range specs {
			if !statuses[i].IsApplied && add(i) {
				break
			}
		}
		return candidates
	}
	for i := len(specs) - 1; i >= 0; i-- {
		if statuses[i].IsApplied && add(i) {
			break
		}
	}
	return candidates
}

func (r *Registry) txOptions() []schemakit.TxOption {
	if r.opts.txOptions == nil {
		return nil
	}
	return []schemakit.TxOption{schemakit.WithTxOptions(r.opts.txOptions)}
}
