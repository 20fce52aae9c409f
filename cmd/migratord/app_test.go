package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
)

type fakeConn struct{ closed bool }

func (c *fakeConn) Close() error { c.closed = true; return nil }

type fakeDriver struct {
	class   model.StoreClass
	shard   string
	batches []ports.Batch
	idx     int
}

func (d *fakeDriver) Open(ctx context.Context, shardID string) (ports.Conn, error) {
	if shardID != d.shard {
		return nil, assertErr("shard not recognized")
	}
	return &fakeConn{}, nil
}
func (d *fakeDriver) ApplySchema(ctx context.Context, conn ports.Conn, step model.Step) (bool, error) {
	return false, nil
}
func (d *fakeDriver) StreamBatch(ctx context.Context, conn ports.Conn, cursor string, size int) (ports.Batch, error) {
	if d.idx >= len(d.batches) {
		return ports.Batch{Done: true}, nil
	}
	b := d.batches[d.idx]
	d.idx++
	return b, nil
}
func (d *fakeDriver) ApplyBatch(ctx context.Context, conn ports.Conn, records []ports.Record) (int, error) {
	return len(records), nil
}
func (d *fakeDriver) Begin(ctx context.Context, conn ports.Conn) (ports.Tx, error) {
	return nil, ports.ErrNoTransactions
}
func (d *fakeDriver) HealthCheck(ctx context.Context, conn ports.Conn) ports.Health { return ports.HealthOK }
func (d *fakeDriver) StoreClass() model.StoreClass                                  { return d.class }

type assertErr string

func (e assertErr) Error() string { return string(e) }

var _ ports.StoreDriver = (*fakeDriver)(nil)

func TestNewTopologyFallsBackToStaticWhenDiscoveryUnconfigured(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Engine.Topology.Source = "discovery"
	cfg.Engine.Topology.Static = map[string][]string{"document": {"sh0", "sh1"}}

	topo := newTopology(cfg)
	require.NotNil(t, topo)
	shards := topo.ShardsOf(model.StoreClassDocument)
	assert.ElementsMatch(t, []string{"sh0", "sh1"}, shards)
}

func TestNewDriverMapIndexesByStoreClass(t *testing.T) {
	relational := &fakeDriver{class: model.StoreClassRelational}
	document := &fakeDriver{class: model.StoreClassDocument}

	out := newDriverMap(driverGroupParams{Drivers: []ports.StoreDriver{relational, document}})

	assert.Same(t, relational, out[model.StoreClassRelational])
	assert.Same(t, document, out[model.StoreClassDocument])
}

func TestNewStatusStoreDefaultsToMemoryBackend(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Engine.StatusStore.Backend = ""

	store, err := newStatusStore(cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestNewStatusStoreRejectsUnrecognizedBackend(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Engine.StatusStore.Backend = "bogus"

	_, err := newStatusStore(cfg)
	assert.Error(t, err)
}

func TestNewStatusStoreRelationalBackendRequiresMatchingConnection(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Engine.StatusStore.Backend = "relational"
	cfg.Engine.StatusStore.DBRef = "missing"

	_, err := newStatusStore(cfg)
	assert.Error(t, err)
}

func TestNewTransformRegistryRegistersBuiltins(t *testing.T) {
	r := newTransformRegistry()
	_, err := r.Resolve("identity")
	assert.NoError(t, err)
	_, err = r.Resolve("set_schema_version")
	assert.NoError(t, err)
	_, err = r.Resolve("drop_tombstoned")
	assert.NoError(t, err)
}

func TestCountAllSumsAcrossPagedBatches(t *testing.T) {
	d := &fakeDriver{
		class: model.StoreClassDocument,
		shard: "sh0",
		batches: []ports.Batch{
			{Records: []ports.Record{{ID: "r1"}, {ID: "r2"}}, NextCursor: "c1"},
			{Records: []ports.Record{{ID: "r3"}}, NextCursor: "c2", Done: true},
		},
	}
	conn, err := d.Open(context.Background(), "sh0")
	require.NoError(t, err)

	total, err := countAll(context.Background(), d, conn)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestNewSourceCounterTriesEachDriverUntilOneRecognizesTheShard(t *testing.T) {
	relational := &fakeDriver{class: model.StoreClassRelational, shard: "sh-other"}
	document := &fakeDriver{
		class: model.StoreClassDocument,
		shard: "sh0",
		batches: []ports.Batch{
			{Records: []ports.Record{{ID: "r1"}}, Done: true},
		},
	}
	counter := newSourceCounter(map[model.StoreClass]ports.StoreDriver{
		model.StoreClassRelational: relational,
		model.StoreClassDocument:   document,
	})

	total, err := counter(context.Background(), model.Step{ShardID: "sh0"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestNewSourceCounterFailsWhenNoDriverRecognizesTheShard(t *testing.T) {
	relational := &fakeDriver{class: model.StoreClassRelational, shard: "sh-other"}
	counter := newSourceCounter(map[model.StoreClass]ports.StoreDriver{
		model.StoreClassRelational: relational,
	})

	_, err := counter(context.Background(), model.Step{ShardID: "sh0"})
	assert.Error(t, err)
}

func TestNewBackupAppliesDefaultPropertiesWhenUnconfigured(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Engine.Backup = map[string]interface{}{"dir": t.TempDir()}

	b, err := newBackup(cfg)
	require.NoError(t, err)
	assert.NotNil(t, b)
}
