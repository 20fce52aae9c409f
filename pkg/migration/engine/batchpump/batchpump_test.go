package batchpump_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
	"github.com/shardmig/migrator/pkg/migration/engine/batchpump"
)

type stubConn struct{}

func (stubConn) Close() error { return nil }

type stubDriver struct {
	lastSize int
}

func (d *stubDriver) StoreClass() model.StoreClass { return model.StoreClassDocument }
func (d *stubDriver) Open(ctx context.Context, shardID string) (ports.Conn, error) {
	return stubConn{}, nil
}
func (d *stubDriver) ApplySchema(ctx context.Context, conn ports.Conn, step model.Step) (bool, error) {
	return false, nil
}
func (d *stubDriver) StreamBatch(ctx context.Context, conn ports.Conn, cursor string, size int) (ports.Batch, error) {
	d.lastSize = size
	return ports.Batch{Done: true}, nil
}
func (d *stubDriver) ApplyBatch(ctx context.Context, conn ports.Conn, records []ports.Record) (int, error) {
	return len(records), nil
}
func (d *stubDriver) Begin(ctx context.Context, conn ports.Conn) (ports.Tx, error) { return nil, nil }
func (d *stubDriver) HealthCheck(ctx context.Context, conn ports.Conn) ports.Health {
	return ports.HealthOK
}

var _ ports.StoreDriver = (*stubDriver)(nil)

func testConfig() config.BatchPumpConfig {
	return config.BatchPumpConfig{
		DefaultBatch:    100,
		Bounds:          config.BatchBounds{Min: 10, Max: 1000},
		HighWatermarkMS: 100,
		LowWatermarkMS:  20,
		GrowthFactor:    2.0,
		ShrinkFactor:    0.5,
		RecomputeEveryN: 3,
	}
}

func TestNewClampsDefaultBatchToBounds(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultBatch = 1
	driver := &stubDriver{}
	p := batchpump.New(driver, cfg)

	_, err := p.Next(context.Background(), stubConn{}, "")
	require.NoError(t, err)
	assert.Equal(t, cfg.Bounds.Min, driver.lastSize)
}

func TestRecordApplyLatencyGrowsBelowLowWatermark(t *testing.T) {
	cfg := testConfig()
	driver := &stubDriver{}
	p := batchpump.New(driver, cfg)

	for i := 0; i < cfg.RecomputeEveryN; i++ {
		p.RecordApplyLatency(5*time.Millisecond, ports.HealthOK)
	}

	_, err := p.Next(context.Background(), stubConn{}, "")
	require.NoError(t, err)
	assert.Equal(t, int(float64(cfg.DefaultBatch)*cfg.GrowthFactor), driver.lastSize)
}

func TestRecordApplyLatencyShrinksAboveHighWatermark(t *testing.T) {
	cfg := testConfig()
	driver := &stubDriver{}
	p := batchpump.New(driver, cfg)

	for i := 0; i < cfg.RecomputeEveryN; i++ {
		p.RecordApplyLatency(500*time.Millisecond, ports.HealthOK)
	}

	_, err := p.Next(context.Background(), stubConn{}, "")
	require.NoError(t, err)
	assert.Equal(t, int(float64(cfg.DefaultBatch)*cfg.ShrinkFactor), driver.lastSize)
}

func TestRecordApplyLatencyHoldsSteadyWithinWatermarks(t *testing.T) {
	cfg := testConfig()
	driver := &stubDriver{}
	p := batchpump.New(driver, cfg)

	for i := 0; i < cfg.RecomputeEveryN; i++ {
		p.RecordApplyLatency(50*time.Millisecond, ports.HealthOK)
	}

	_, err := p.Next(context.Background(), stubConn{}, "")
	require.NoError(t, err)
	assert.Equal(t, cfg.DefaultBatch, driver.lastSize)
}

func TestRecordApplyLatencyShrinksImmediatelyOnDegradedHealth(t *testing.T) {
	cfg := testConfig()
	driver := &stubDriver{}
	p := batchpump.New(driver, cfg)

	p.RecordApplyLatency(1*time.Millisecond, ports.HealthDegraded)

	_, err := p.Next(context.Background(), stubConn{}, "")
	require.NoError(t, err)
	assert.Equal(t, int(float64(cfg.DefaultBatch)*cfg.ShrinkFactor), driver.lastSize)
}

func TestRecordApplyLatencyClampsAtBoundsMax(t *testing.T) {
	cfg := testConfig()
	cfg.Bounds.Max = 150
	driver := &stubDriver{}
	p := batchpump.New(driver, cfg)

	for i := 0; i < cfg.RecomputeEveryN; i++ {
		p.RecordApplyLatency(1*time.Millisecond, ports.HealthOK)
	}

	_, err := p.Next(context.Background(), stubConn{}, "")
	require.NoError(t, err)
	assert.Equal(t, cfg.Bounds.Max, driver.lastSize)
}

func TestShardGateSerializesSameShardAcrossCallers(t *testing.T) {
	g := batchpump.NewShardGate(4)
	ctx := context.Background()

	release1, err := g.AcquireShard(ctx, "relational", "sh0", 4)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release2, err := g.AcquireShard(ctx, "relational", "sh0", 4)
		require.NoError(t, err)
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second AcquireShard for the same shard should not have proceeded before the first released")
	case <-time.After(20 * time.Millisecond):
	}

	release1()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second AcquireShard never proceeded after release")
	}
}

func TestShardGateLimitsConcurrencyPerClass(t *testing.T) {
	g := batchpump.NewShardGate(2)
	ctx := context.Background()
	var inFlight, maxSeen int32

	run := func(shardID string, done chan struct{}) {
		release, err := g.AcquireShard(ctx, "relational", shardID, 2)
		require.NoError(t, err)
		n := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxSeen)
			if n <= max || atomic.CompareAndSwapInt32(&maxSeen, max, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		release()
		close(done)
	}

	dones := make([]chan struct{}, 3)
	for i := range dones {
		dones[i] = make(chan struct{})
		go run(string(rune('a'+i)), dones[i])
	}
	for _, d := range dones {
		<-d
	}

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), 2)
}

func TestShardGateReturnsContextErrorOnCancellation(t *testing.T) {
	g := batchpump.NewShardGate(1)
	ctx := context.Background()

	release, err := g.AcquireShard(ctx, "relational", "sh0", 1)
	require.NoError(t, err)
	defer release()

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.AcquireShard(cancelledCtx, "relational", "sh0", 1)
	assert.ErrorIs(t, err, context.Canceled)
}
