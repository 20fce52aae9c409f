package orchestrator_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmig/migrator/pkg/migration/adapter/driver/document"
	"github.com/shardmig/migrator/pkg/migration/adapter/eventbus/memory"
	"github.com/shardmig/migrator/pkg/migration/adapter/metrics/noop"
	memorystore "github.com/shardmig/migrator/pkg/migration/adapter/statusstore/memory"
	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
	"github.com/shardmig/migrator/pkg/migration/engine/lock"
	"github.com/shardmig/migrator/pkg/migration/engine/orchestrator"
	"github.com/shardmig/migrator/pkg/migration/engine/planner"
	"github.com/shardmig/migrator/pkg/migration/engine/retry"
	"github.com/shardmig/migrator/pkg/migration/engine/transform"
	"github.com/shardmig/migrator/pkg/migration/engine/validator"
)

type fakeTopology struct {
	shards []string
}

func (f fakeTopology) ShardsOf(class model.StoreClass) []string { return f.shards }

func (f fakeTopology) Route(key string, class model.StoreClass) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty routing key")
	}
	return f.shards[0], nil
}

func (f fakeTopology) Version() int64 { return 1 }

// harness assembles an Orchestrator from real, in-memory/local collaborators
// rather than mocks: a single-shard document store rooted at a t.TempDir,
// matching the way the document driver is exercised elsewhere in this
// package family.
func harness(t *testing.T) (*orchestrator.Orchestrator, *memorystore.Store) {
	t.Helper()
	ctx := context.Background()

	store := memorystore.New()
	planStore := memorystore.NewPlanStore()
	requestStore := memorystore.NewRequestStore()

	topo := fakeTopology{shards: []string{"sh0"}}
	pl := planner.New(topo)

	lockMgr := lock.New(store, config.LockConfig{TTLSeconds: 60, GraceSeconds: 5}, nil)
	bus := memory.New()

	drv, err := document.New(ctx, []config.StoreConnectionConfig{
		{Name: "sh0", StoreClass: "document", Dialect: "local", DSN: t.TempDir()},
	})
	require.NoError(t, err)
	drivers := map[model.StoreClass]ports.StoreDriver{model.StoreClassDocument: drv}

	registry := transform.NewRegistry()
	retryFactory := retry.NewFactory()

	counter := func(ctx context.Context, step model.Step) (int64, error) { return 0, nil }
	v := validator.New(config.ValidatorConfig{CountDeltaTolerance: 0.5, SampleSize: 10}, counter)

	cfg := config.NewConfig()

	o := orchestrator.New(store, planStore, requestStore, pl, lockMgr, bus, drivers, registry, retryFactory, v, cfg, noop.New(), noop.NewTracer(), nil)
	return o, store
}

func singleShardRequest() model.MigrationRequest {
	return model.MigrationRequest{
		ID:         "req-1",
		StoreClass: model.StoreClassDocument,
		Steps: []model.RequestStep{
			{ID: "copy", Kind: model.StepKindData, Scope: model.ScopeAllShards},
		},
	}
}

func TestAdmitPersistsMigrationPlanAndRequest(t *testing.T) {
	o, store := harness(t)
	ctx := context.Background()

	m, err := o.Admit(ctx, singleShardRequest())
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPending, m.Status)
	assert.Equal(t, 1, m.ShardStepsTotal)

	fetched, err := store.GetMigration(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, fetched.ID)
}

func TestStartRunsToCompletion(t *testing.T) {
	o, store := harness(t)
	ctx := context.Background()

	m, err := o.Admit(ctx, singleShardRequest())
	require.NoError(t, err)

	require.NoError(t, o.Start(ctx, m.ID))

	final, err := store.GetMigration(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MigrationCompleted, final.Status)
	assert.Equal(t, "completed", final.Outcome)
	assert.Equal(t, 1, final.ShardStepsCompleted)
}

func TestStartOnAlreadyTerminalMigrationFails(t *testing.T) {
	o, store := harness(t)
	ctx := context.Background()

	m, err := o.Admit(ctx, singleShardRequest())
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, m.ID))

	err = o.Start(ctx, m.ID)
	assert.ErrorIs(t, err, model.ErrTerminalMigration)
	_ = store
}

func TestStartFailsWithoutRegisteredDriver(t *testing.T) {
	o, _ := harness(t)
	ctx := context.Background()

	req := singleShardRequest()
	req.StoreClass = model.StoreClassRelational
	m, err := o.Admit(ctx, req)
	require.NoError(t, err)

	err = o.Start(ctx, m.ID)
	assert.Error(t, err)
}

func TestCancelOnCompletedMigrationIsNoop(t *testing.T) {
	o, _ := harness(t)
	ctx := context.Background()

	m, err := o.Admit(ctx, singleShardRequest())
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, m.ID))

	assert.NoError(t, o.Cancel(ctx, m.ID))
}

func TestEmittedEventsAreAllMarkedPublished(t *testing.T) {
	o, store := harness(t)
	ctx := context.Background()

	m, err := o.Admit(ctx, singleShardRequest())
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, m.ID))

	events, err := store.ListUnpublishedEvents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, events) // the in-process bus publishes and marks every event synchronously
}
