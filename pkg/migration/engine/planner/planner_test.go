package planner_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/engine/planner"
)

type fakeTopology struct {
	shards  []string
	version int64
}

func (f fakeTopology) ShardsOf(class model.StoreClass) []string { return f.shards }

func (f fakeTopology) Route(key string, class model.StoreClass) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty routing key")
	}
	for i, s := range f.shards {
		if i == len(key)%len(f.shards) {
			return s, nil
		}
	}
	return f.shards[0], nil
}

func (f fakeTopology) Version() int64 { return f.version }

func TestPlanExpandsAllShardsStepPerShard(t *testing.T) {
	topo := fakeTopology{shards: []string{"sh0", "sh1", "sh2"}, version: 7}
	p := planner.New(topo)

	req := model.MigrationRequest{
		ID:         "req-1",
		StoreClass: model.StoreClassDocument,
		Steps: []model.RequestStep{
			{ID: "copy", Kind: model.StepKindData, Scope: model.ScopeAllShards},
		},
	}

	plan, err := p.Plan(req)
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 3)
	assert.Equal(t, int64(7), plan.TopologyVersion)
	assert.NotEmpty(t, plan.Digest)
}

func TestPlanOrdersDeclaredSchemaDependencyBeforeData(t *testing.T) {
	topo := fakeTopology{shards: []string{"sh0"}, version: 1}
	p := planner.New(topo)

	req := model.MigrationRequest{
		ID:         "req-1",
		StoreClass: model.StoreClassRelational,
		Steps: []model.RequestStep{
			{ID: "ddl", Kind: model.StepKindSchema, Scope: model.ScopeAllShards},
			{ID: "copy", Kind: model.StepKindData, Scope: model.ScopeAllShards, DependsOn: []string{"ddl"}},
		},
	}

	plan, err := p.Plan(req)
	require.NoError(t, err)

	dataStep, ok := plan.StepByID("copy:sh0")
	require.True(t, ok)
	assert.Contains(t, dataStep.DependsOn, "ddl:sh0")
	require.Len(t, plan.Stages, 2, "schema step must be in an earlier stage than the dependent data step")
}

func TestPlanInfersSchemaEdgeAcrossUnrelatedRequestSteps(t *testing.T) {
	topo := fakeTopology{shards: []string{"sh0"}, version: 1}
	p := planner.New(topo)

	req := model.MigrationRequest{
		ID:         "req-1",
		StoreClass: model.StoreClassRelational,
		Steps: []model.RequestStep{
			{ID: "create-orders-table", Kind: model.StepKindSchema, Scope: model.ScopeAllShards, PayloadRef: "orders"},
			{ID: "backfill-orders", Kind: model.StepKindData, Scope: model.ScopeAllShards, PayloadRef: "orders"},
		},
	}

	plan, err := p.Plan(req)
	require.NoError(t, err)

	dataStep, ok := plan.StepByID("backfill-orders:sh0")
	require.True(t, ok)
	assert.Contains(t, dataStep.DependsOn, "create-orders-table:sh0",
		"data step reading the same PayloadRef must implicitly depend on the schema step that writes it, with no DependsOn declared")
	require.Len(t, plan.Stages, 2, "schema step must be in an earlier stage than the dependent data step")
}

func TestPlanDetectsCycle(t *testing.T) {
	topo := fakeTopology{shards: []string{"sh0"}, version: 1}
	p := planner.New(topo)

	req := model.MigrationRequest{
		ID:         "req-1",
		StoreClass: model.StoreClassDocument,
		Steps: []model.RequestStep{
			{ID: "a", Kind: model.StepKindData, Scope: model.ScopeAllShards, DependsOn: []string{"b"}},
			{ID: "b", Kind: model.StepKindData, Scope: model.ScopeAllShards, DependsOn: []string{"a"}},
		},
	}

	_, err := p.Plan(req)
	assert.ErrorIs(t, err, model.ErrPlanCycle)
}

func TestPlanIsDeterministicForTheSameRequest(t *testing.T) {
	topo := fakeTopology{shards: []string{"sh0", "sh1"}, version: 3}
	p := planner.New(topo)
	req := model.MigrationRequest{
		ID:         "req-1",
		StoreClass: model.StoreClassDocument,
		Steps: []model.RequestStep{
			{ID: "copy", Kind: model.StepKindData, Scope: model.ScopeAllShards},
		},
	}

	first, err := p.Plan(req)
	require.NoError(t, err)
	second, err := p.Plan(req)
	require.NoError(t, err)
	assert.Equal(t, first.Digest, second.Digest)
}

func TestPlanSingleShardRoutesThroughShardKey(t *testing.T) {
	topo := fakeTopology{shards: []string{"sh0", "sh1"}, version: 1}
	p := planner.New(topo)
	req := model.MigrationRequest{
		ID:         "req-1",
		StoreClass: model.StoreClassDocument,
		Steps: []model.RequestStep{
			{ID: "single", Kind: model.StepKindData, Scope: model.ScopeSingleShard, ShardKey: "tenant-42"},
		},
	}

	plan, err := p.Plan(req)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
}

func TestPlanFailsWhenNoShardsKnown(t *testing.T) {
	topo := fakeTopology{shards: nil, version: 1}
	p := planner.New(topo)
	req := model.MigrationRequest{
		ID:         "req-1",
		StoreClass: model.StoreClassDocument,
		Steps: []model.RequestStep{
			{ID: "copy", Kind: model.StepKindData, Scope: model.ScopeAllShards},
		},
	}

	_, err := p.Plan(req)
	assert.Error(t, err)
}
