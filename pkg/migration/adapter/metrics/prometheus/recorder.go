// Package prometheus implements metrics.MetricRecorder over
// github.com/prometheus/client_golang, the "metrics.backend: prometheus"
// configuration option.
package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/metrics"
)

// Recorder is a Prometheus implementation of metrics.MetricRecorder.
type Recorder struct {
	registry *prometheus.Registry

	migrationDurationSeconds *prometheus.HistogramVec
	migrationStatusCounter   *prometheus.CounterVec

	stepDurationSeconds *prometheus.HistogramVec
	stepStatusCounter   *prometheus.CounterVec

	batchAppliedCounter *prometheus.CounterVec
	batchSizeGauge      *prometheus.GaugeVec

	retryCounter      *prometheus.CounterVec
	lockBusyCounter   *prometheus.CounterVec
	durationHistogram *prometheus.HistogramVec

	mu        sync.Mutex
	stepStart map[string]time.Time
}

// New creates a Recorder backed by a fresh, self-contained registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		migrationDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "migrator_migration_duration_seconds",
			Help:    "Duration of migration executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		migrationStatusCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migrator_migration_status_total",
			Help: "Total migrations by terminal status.",
		}, []string{"status"}),
		stepDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "migrator_step_duration_seconds",
			Help:    "Duration of per-(step, shard) executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step_id", "shard_id", "status"}),
		stepStatusCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migrator_step_status_total",
			Help: "Total per-(step, shard) executions by status.",
		}, []string{"step_id", "shard_id", "status"}),
		batchAppliedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migrator_batch_applied_total",
			Help: "Total records applied per shard.",
		}, []string{"shard_id"}),
		batchSizeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "migrator_batch_size",
			Help: "Current adaptive batch size per shard.",
		}, []string{"shard_id"}),
		retryCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migrator_retry_total",
			Help: "Total retried operations by component and error class.",
		}, []string{"component", "error_class"}),
		lockBusyCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migrator_lock_contention_total",
			Help: "Total failed (busy) lock acquisition attempts by resource.",
		}, []string{"resource"}),
		durationHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "migrator_operation_duration_seconds",
			Help:    "Duration of named operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
		stepStart: make(map[string]time.Time),
	}

	registry.MustRegister(
		r.migrationDurationSeconds, r.migrationStatusCounter,
		r.stepDurationSeconds, r.stepStatusCounter,
		r.batchAppliedCounter, r.batchSizeGauge,
		r.retryCounter, r.lockBusyCounter, r.durationHistogram,
	)
	return r
}

// Registry exposes the underlying registry for an admin /metrics handler to
// wrap — the HTTP surface itself is out of this module's scope.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) RecordMigrationStart(ctx context.Context, m *model.Migration) {
	r.migrationStatusCounter.WithLabelValues(string(m.Status)).Inc()
}

func (r *Recorder) RecordMigrationEnd(ctx context.Context, m *model.Migration) {
	r.migrationStatusCounter.WithLabelValues(string(m.Status)).Inc()
	if m.StartedAt == nil || m.EndedAt == nil {
		return
	}
	r.migrationDurationSeconds.WithLabelValues(string(m.Status)).Observe(m.EndedAt.Sub(*m.StartedAt).Seconds())
}

func (r *Recorder) RecordStepStart(ctx context.Context, stepID, shardID string) {
	r.stepStatusCounter.WithLabelValues(stepID, shardID, "started").Inc()
	r.mu.Lock()
	r.stepStart[stepID+"/"+shardID] = time.Now()
	r.mu.Unlock()
}

func (r *Recorder) RecordStepEnd(ctx context.Context, stepID, shardID string, status model.ShardProgressStatus) {
	r.stepStatusCounter.WithLabelValues(stepID, shardID, string(status)).Inc()
	key := stepID + "/" + shardID
	r.mu.Lock()
	start, ok := r.stepStart[key]
	if ok {
		delete(r.stepStart, key)
	}
	r.mu.Unlock()
	if ok {
		r.stepDurationSeconds.WithLabelValues(stepID, shardID, string(status)).Observe(time.Since(start).Seconds())
	}
}

func (r *Recorder) RecordBatchApplied(ctx context.Context, shardID string, count int) {
	r.batchAppliedCounter.WithLabelValues(shardID).Add(float64(count))
}

func (r *Recorder) RecordBatchSize(ctx context.Context, shardID string, size int) {
	r.batchSizeGauge.WithLabelValues(shardID).Set(float64(size))
}

func (r *Recorder) RecordRetry(ctx context.Context, component, errorClass string) {
	r.retryCounter.WithLabelValues(component, errorClass).Inc()
}

func (r *Recorder) RecordLockContention(ctx context.Context, resource string) {
	r.lockBusyCounter.WithLabelValues(resource).Inc()
}

func (r *Recorder) RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string) {
	r.durationHistogram.WithLabelValues(name).Observe(duration.Seconds())
}

var _ metrics.MetricRecorder = (*Recorder)(nil)
