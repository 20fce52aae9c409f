// Package batchpump implements the adaptive batch-sizing control loop that sits
// between a StoreDriver's StreamBatch and the Executor's per-batch apply cycle
// (§4.4). Batch size grows when recent apply latency sits under the low
// watermark and shrinks when it sits over the high watermark, recomputed every
// N batches rather than on every single batch to damp oscillation.
package batchpump

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
)

// Pump pulls batches from a StoreDriver through one (conn, cursor) stream,
// adapting the requested batch size to recent apply latency.
type Pump struct {
	driver ports.StoreDriver
	cfg    config.BatchPumpConfig

	mu          sync.Mutex
	currentSize int
	samples     []time.Duration
}

// New creates a Pump bound to a StoreDriver and configuration.
func New(driver ports.StoreDriver, cfg config.BatchPumpConfig) *Pump {
	size := cfg.DefaultBatch
	if size <= 0 {
		size = cfg.Bounds.Min
	}
	return &Pump{driver: driver, cfg: cfg, currentSize: clamp(size, cfg.Bounds)}
}

// Next reads one batch at the pump's current adaptive size. It does not measure
// latency; callers feed each apply step's duration through RecordApplyLatency.
// Callers call Next in a loop until Batch.Done.
func (p *Pump) Next(ctx context.Context, conn ports.Conn, cursor string) (ports.Batch, error) {
	size := p.size()
	batch, err := p.driver.StreamBatch(ctx, conn, cursor, size)
	if err != nil {
		return ports.Batch{}, fmt.Errorf("batchpump: stream batch at cursor %q: %w", cursor, err)
	}
	return batch, nil
}

// RecordApplyLatency feeds one apply-step duration into the sizing control loop.
// Every RecomputeEveryN samples, the loop recomputes batch size from the mean:
// below LowWatermarkMS it grows by GrowthFactor, above HighWatermarkMS it
// shrinks by ShrinkFactor, otherwise it holds steady. Health degradation also
// forces an immediate shrink regardless of the sample count, so a struggling
// back-end sheds load without waiting for a full recompute window.
func (p *Pump) RecordApplyLatency(d time.Duration, health ports.Health) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if health == ports.HealthDegraded || health == ports.HealthDown {
		p.currentSize = clamp(int(float64(p.currentSize)*p.cfg.ShrinkFactor), p.cfg.Bounds)
		p.samples = p.samples[:0]
		return
	}

	p.samples = append(p.samples, d)
	n := p.cfg.RecomputeEveryN
	if n <= 0 {
		n = 1
	}
	if len(p.samples) < n {
		return
	}

	var total time.Duration
	for _, s := range p.samples {
		total += s
	}
	mean := total / time.Duration(len(p.samples))
	p.samples = p.samples[:0]

	switch {
	case mean < time.Duration(p.cfg.LowWatermarkMS)*time.Millisecond:
		p.currentSize = clamp(int(float64(p.currentSize)*p.cfg.GrowthFactor), p.cfg.Bounds)
	case mean > time.Duration(p.cfg.HighWatermarkMS)*time.Millisecond:
		p.currentSize = clamp(int(float64(p.currentSize)*p.cfg.ShrinkFactor), p.cfg.Bounds)
	}
}

func (p *Pump) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentSize
}

func clamp(v int, bounds config.BatchBounds) int {
	if v < bounds.Min {
		return bounds.Min
	}
	if bounds.Max > 0 && v > bounds.Max {
		return bounds.Max
	}
	return v
}

// ShardGate bounds in-flight work: at most one active stream per shard (so a
// single shard's StreamBatch/ApplyBatch cycle is never run concurrently with
// itself) and at most N shards active per store class, per
// OrchestratorConfig.PerStoreClassParallelism.
type ShardGate struct {
	classSem map[string]chan struct{}
	mu       sync.Mutex
	shardMu  map[string]*sync.Mutex
}

// NewShardGate creates a ShardGate. perClassLimit is not retained: each store
// class's limit is the perClassLimit passed to its first AcquireShard call.
func NewShardGate(perClassLimit int) *ShardGate {
	if perClassLimit <= 0 {
		perClassLimit = 1
	}
	return &ShardGate{
		classSem: make(map[string]chan struct{}),
		shardMu:  make(map[string]*sync.Mutex),
	}
}

// AcquireShard blocks until both the shard's own single-in-flight slot and the
// store class's concurrency budget are free, returning a release function.
func (g *ShardGate) AcquireShard(ctx context.Context, class string, shardID string, perClassLimit int) (func(), error) {
	g.mu.Lock()
	sem, ok := g.classSem[class]
	if !ok {
		if perClassLimit <= 0 {
			perClassLimit = 1
		}
		sem = make(chan struct{}, perClassLimit)
		g.classSem[class] = sem
	}
	shardLock, ok := g.shardMu[class+"|"+shardID]
	if !ok {
		shardLock = &sync.Mutex{}
		g.shardMu[class+"|"+shardID] = shardLock
	}
	g.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	lockAcquired := make(chan struct{})
	go func() {
		shardLock.Lock()
		close(lockAcquired)
	}()
	select {
	case <-lockAcquired:
	case <-ctx.Done():
		<-sem
		return nil, ctx.Err()
	}

	return func() {
		shardLock.Unlock()
		<-sem
	}, nil
}
