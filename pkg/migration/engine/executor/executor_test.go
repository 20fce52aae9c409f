package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memorystore "github.com/shardmig/migrator/pkg/migration/adapter/statusstore/memory"
	"github.com/shardmig/migrator/pkg/migration/adapter/metrics/noop"
	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
	"github.com/shardmig/migrator/pkg/migration/engine/backup"
	"github.com/shardmig/migrator/pkg/migration/engine/executor"
	"github.com/shardmig/migrator/pkg/migration/engine/retry"
	"github.com/shardmig/migrator/pkg/migration/engine/transform"
)

type stubConn struct{}

func (stubConn) Close() error { return nil }

type stubDriver struct {
	class         model.StoreClass
	applySchemaFn func(step model.Step) (bool, error)
	batches       []ports.Batch
	streamIdx     int
	applyErr      error
	applied       [][]ports.Record
	openCalls     int
	health        ports.Health
}

func (d *stubDriver) Open(ctx context.Context, shardID string) (ports.Conn, error) {
	d.openCalls++
	return stubConn{}, nil
}

func (d *stubDriver) ApplySchema(ctx context.Context, conn ports.Conn, step model.Step) (bool, error) {
	if d.applySchemaFn != nil {
		return d.applySchemaFn(step)
	}
	return false, nil
}

func (d *stubDriver) StreamBatch(ctx context.Context, conn ports.Conn, cursor string, size int) (ports.Batch, error) {
	if d.streamIdx >= len(d.batches) {
		return ports.Batch{Done: true}, nil
	}
	b := d.batches[d.streamIdx]
	d.streamIdx++
	return b, nil
}

func (d *stubDriver) ApplyBatch(ctx context.Context, conn ports.Conn, records []ports.Record) (int, error) {
	if d.applyErr != nil {
		return 0, d.applyErr
	}
	d.applied = append(d.applied, records)
	return len(records), nil
}

func (d *stubDriver) Begin(ctx context.Context, conn ports.Conn) (ports.Tx, error) {
	return nil, ports.ErrNoTransactions
}

func (d *stubDriver) HealthCheck(ctx context.Context, conn ports.Conn) ports.Health {
	if d.health == "" {
		return ports.HealthOK
	}
	return d.health
}

func (d *stubDriver) StoreClass() model.StoreClass {
	return d.class
}

var _ ports.StoreDriver = (*stubDriver)(nil)

func testPumpConfig() config.BatchPumpConfig {
	return config.BatchPumpConfig{
		DefaultBatch:    100,
		Bounds:          config.BatchBounds{Min: 10, Max: 1000},
		HighWatermarkMS: 1000,
		LowWatermarkMS:  1,
		GrowthFactor:    2,
		ShrinkFactor:    0.5,
		RecomputeEveryN: 100,
	}
}

func noRetryPolicy() retry.Policy {
	return retry.NewFactory().Create(config.RetryConfig{MaxAttempts: 0})
}

func newExecutor(driver ports.StoreDriver, store *memorystore.Store, registry *transform.Registry, b *backup.Backup) *executor.Executor {
	return executor.New(driver, store, registry, testPumpConfig(), noop.New(), noop.NewTracer(), nil, b)
}

func TestRunSchemaStepAppliesAndMarksCompleted(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	driver := &stubDriver{class: model.StoreClassRelational}
	e := newExecutor(driver, store, transform.NewRegistry(), nil)

	step := model.Step{ID: "ddl-1", ShardID: "sh0", Kind: model.StepKindSchema}
	require.NoError(t, e.Run(ctx, "mig-1", step, noRetryPolicy(), 1))

	progress, err := store.GetProgress(ctx, "mig-1", "ddl-1", "sh0")
	require.NoError(t, err)
	assert.Equal(t, model.ShardCompleted, progress.Status)
	assert.Equal(t, 1, driver.openCalls)
}

func TestRunSchemaStepAlreadyAppliedStillCompletes(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	driver := &stubDriver{
		class:         model.StoreClassRelational,
		applySchemaFn: func(step model.Step) (bool, error) { return true, nil },
	}
	e := newExecutor(driver, store, transform.NewRegistry(), nil)

	step := model.Step{ID: "ddl-1", ShardID: "sh0", Kind: model.StepKindSchema}
	require.NoError(t, e.Run(ctx, "mig-1", step, noRetryPolicy(), 1))

	progress, err := store.GetProgress(ctx, "mig-1", "ddl-1", "sh0")
	require.NoError(t, err)
	assert.Equal(t, model.ShardCompleted, progress.Status)
}

func TestRunSkipsStepAlreadyCompleted(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	require.NoError(t, store.UpsertProgress(ctx, &model.ShardProgress{
		MigrationID: "mig-1", StepID: "copy-1", ShardID: "sh0", Status: model.ShardCompleted,
	}))
	driver := &stubDriver{class: model.StoreClassRelational}
	e := newExecutor(driver, store, transform.NewRegistry(), nil)

	step := model.Step{ID: "copy-1", ShardID: "sh0", Kind: model.StepKindData}
	require.NoError(t, e.Run(ctx, "mig-1", step, noRetryPolicy(), 1))

	assert.Equal(t, 0, driver.openCalls, "an already-completed step must not reopen a connection")
}

func TestRunDataStepStreamsBatchesAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	driver := &stubDriver{
		class: model.StoreClassDocument,
		batches: []ports.Batch{
			{Records: []ports.Record{{ID: "r1"}, {ID: "r2"}}, NextCursor: "c1", Done: false},
			{Records: []ports.Record{{ID: "r3"}}, NextCursor: "c2", Done: true},
		},
	}
	e := newExecutor(driver, store, transform.NewRegistry(), nil)

	step := model.Step{ID: "copy-1", ShardID: "sh0", Kind: model.StepKindData}
	require.NoError(t, e.Run(ctx, "mig-1", step, noRetryPolicy(), 1))

	progress, err := store.GetProgress(ctx, "mig-1", "copy-1", "sh0")
	require.NoError(t, err)
	assert.Equal(t, model.ShardCompleted, progress.Status)
	assert.Equal(t, int64(3), progress.ItemsProcessed)
	assert.Equal(t, "c2", progress.LastCheckpoint)
	require.Len(t, driver.applied, 2)
	assert.Len(t, driver.applied[0], 2)
	assert.Len(t, driver.applied[1], 1)
}

func TestRunDataStepFailsAndRecordsErrorOnUnretryableApplyFailure(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	driver := &stubDriver{
		class: model.StoreClassDocument,
		batches: []ports.Batch{
			{Records: []ports.Record{{ID: "r1"}}, NextCursor: "c1", Done: true},
		},
		applyErr: assertableError{},
	}
	e := newExecutor(driver, store, transform.NewRegistry(), nil)

	step := model.Step{ID: "copy-1", ShardID: "sh0", Kind: model.StepKindData}
	err := e.Run(ctx, "mig-1", step, noRetryPolicy(), 1)
	assert.Error(t, err)

	progress, getErr := store.GetProgress(ctx, "mig-1", "copy-1", "sh0")
	require.NoError(t, getErr)
	assert.Equal(t, model.ShardFailed, progress.Status)
	assert.NotEmpty(t, progress.Error)
}

type assertableError struct{}

func (assertableError) Error() string { return "apply batch failed" }

func TestRunDataStepAppliesRegisteredTransformChain(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	driver := &stubDriver{
		class: model.StoreClassDocument,
		batches: []ports.Batch{
			{Records: []ports.Record{
				{ID: "r1", Fields: map[string]interface{}{"_deleted": true}},
				{ID: "r2", Fields: map[string]interface{}{"_deleted": false}},
			}, NextCursor: "c1", Done: true},
		},
	}
	registry := transform.NewRegistry()
	transform.RegisterBuiltins(registry)
	e := executor.New(driver, store, registry, testPumpConfig(), noop.New(), noop.NewTracer(),
		func(step model.Step) []string { return []string{"drop_tombstoned"} }, nil)

	step := model.Step{ID: "copy-1", ShardID: "sh0", Kind: model.StepKindData}
	require.NoError(t, e.Run(ctx, "mig-1", step, noRetryPolicy(), 1))

	require.Len(t, driver.applied, 1)
	assert.Len(t, driver.applied[0], 1, "the tombstoned record should have been dropped before ApplyBatch")
	assert.Equal(t, "r2", driver.applied[0][0].ID)
}

func TestRunRejectsStaleFencingToken(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	expired := &model.Lock{Resource: "shard:sh0", HolderID: "h1", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, store.AcquireLock(ctx, expired))
	takeover := &model.Lock{Resource: "shard:sh0", HolderID: "h2", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.AcquireLock(ctx, takeover))
	require.Equal(t, int64(2), takeover.FencingToken, "takeover must have bumped the shard's token past h1's")

	driver := &stubDriver{class: model.StoreClassRelational}
	e := newExecutor(driver, store, transform.NewRegistry(), nil)

	step := model.Step{ID: "ddl-1", ShardID: "sh0", Kind: model.StepKindSchema}
	err := e.Run(ctx, "mig-1", step, noRetryPolicy(), expired.FencingToken)
	assert.Error(t, err, "h1 presenting its pre-takeover token must be fenced out by h2's takeover")
}

func TestCompensateFailsForSchemaStep(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	driver := &stubDriver{class: model.StoreClassRelational}
	e := newExecutor(driver, store, transform.NewRegistry(), nil)

	step := model.Step{ID: "ddl-1", ShardID: "sh0", Kind: model.StepKindSchema}
	err := e.Compensate(ctx, "mig-1", step, nil)
	assert.Error(t, err)
}

func TestCompensateUsesInverseTransformWhenRegistered(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	require.NoError(t, store.UpsertProgress(ctx, &model.ShardProgress{
		MigrationID: "mig-1", StepID: "copy-1", ShardID: "sh0", Status: model.ShardCompleted, LastCheckpoint: "",
	}))
	driver := &stubDriver{
		class: model.StoreClassDocument,
		batches: []ports.Batch{
			{Records: []ports.Record{{ID: "r1", Fields: map[string]interface{}{"schema_version_pending": "v1", "schema_version": "v1"}}}, NextCursor: "", Done: true},
		},
	}
	registry := transform.NewRegistry()
	transform.RegisterBuiltins(registry)
	e := newExecutor(driver, store, registry, nil)

	step := model.Step{ID: "copy-1", ShardID: "sh0", Kind: model.StepKindData}
	require.NoError(t, e.Compensate(ctx, "mig-1", step, []string{"set_schema_version"}))

	require.Len(t, driver.applied, 1)
	_, hasVersion := driver.applied[0][0].Fields["schema_version"]
	assert.False(t, hasVersion, "the inverse transform should have unset schema_version on compensation")
}

func TestCompensateRestoresFromSnapshotWhenNoInverseAvailable(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	b, err := backup.New(backup.Config{Dir: t.TempDir(), CompressionType: "SNAPPY"})
	require.NoError(t, err)

	step := model.Step{ID: "copy-1", ShardID: "sh0", Kind: model.StepKindData}
	capture, err := b.Capture("mig-1", step)
	require.NoError(t, err)
	require.NoError(t, capture.Write([]ports.Record{{ID: "r1", Fields: map[string]interface{}{"name": "alice"}}}))
	ref, err := capture.Close()
	require.NoError(t, err)

	require.NoError(t, store.UpsertProgress(ctx, &model.ShardProgress{
		MigrationID: "mig-1", StepID: "copy-1", ShardID: "sh0", Status: model.ShardCompleted, SnapshotRef: ref,
	}))

	driver := &stubDriver{class: model.StoreClassDocument}
	e := newExecutor(driver, store, transform.NewRegistry(), b)

	require.NoError(t, e.Compensate(ctx, "mig-1", step, []string{"unregistered_transform"}))

	require.Len(t, driver.applied, 1)
	assert.Equal(t, "r1", driver.applied[0][0].ID)
}

func TestCompensateFailsWithoutInverseOrSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	require.NoError(t, store.UpsertProgress(ctx, &model.ShardProgress{
		MigrationID: "mig-1", StepID: "copy-1", ShardID: "sh0", Status: model.ShardCompleted,
	}))
	driver := &stubDriver{class: model.StoreClassDocument}
	e := newExecutor(driver, store, transform.NewRegistry(), nil)

	step := model.Step{ID: "copy-1", ShardID: "sh0", Kind: model.StepKindData}
	err := e.Compensate(ctx, "mig-1", step, []string{"unregistered_transform"})
	assert.Error(t, err)
}
