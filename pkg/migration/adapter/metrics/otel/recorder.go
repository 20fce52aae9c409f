package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/metrics"
)

// Recorder implements metrics.MetricRecorder over OpenTelemetry metric
// instruments registered against one meter.
type Recorder struct {
	migrationStatus metric.Int64Counter
	migrationDur    metric.Float64Histogram
	stepStatus      metric.Int64Counter
	batchApplied    metric.Int64Counter
	batchSize       metric.Int64Gauge
	retries         metric.Int64Counter
	lockContention  metric.Int64Counter
	duration        metric.Float64Histogram
}

func newRecorder(meter metric.Meter) (*Recorder, error) {
	migrationStatus, err := meter.Int64Counter("migrator.migration.status")
	if err != nil {
		return nil, err
	}
	migrationDur, err := meter.Float64Histogram("migrator.migration.duration_seconds")
	if err != nil {
		return nil, err
	}
	stepStatus, err := meter.Int64Counter("migrator.step.status")
	if err != nil {
		return nil, err
	}
	batchApplied, err := meter.Int64Counter("migrator.batch.applied")
	if err != nil {
		return nil, err
	}
	batchSize, err := meter.Int64Gauge("migrator.batch.size")
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("migrator.retry")
	if err != nil {
		return nil, err
	}
	lockContention, err := meter.Int64Counter("migrator.lock.contention")
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("migrator.operation.duration_seconds")
	if err != nil {
		return nil, err
	}
	return &Recorder{
		migrationStatus: migrationStatus,
		migrationDur:    migrationDur,
		stepStatus:      stepStatus,
		batchApplied:    batchApplied,
		batchSize:       batchSize,
		retries:         retries,
		lockContention:  lockContention,
		duration:        duration,
	}, nil
}

func (r *Recorder) RecordMigrationStart(ctx context.Context, m *model.Migration) {
	r.migrationStatus.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(m.Status))))
}

func (r *Recorder) RecordMigrationEnd(ctx context.Context, m *model.Migration) {
	r.migrationStatus.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(m.Status))))
	if m.StartedAt == nil || m.EndedAt == nil {
		return
	}
	r.migrationDur.Record(ctx, m.EndedAt.Sub(*m.StartedAt).Seconds(), metric.WithAttributes(attribute.String("status", string(m.Status))))
}

func (r *Recorder) RecordStepStart(ctx context.Context, stepID, shardID string) {
	r.stepStatus.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step_id", stepID), attribute.String("shard_id", shardID), attribute.String("status", "started"),
	))
}

func (r *Recorder) RecordStepEnd(ctx context.Context, stepID, shardID string, status model.ShardProgressStatus) {
	r.stepStatus.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step_id", stepID), attribute.String("shard_id", shardID), attribute.String("status", string(status)),
	))
}

func (r *Recorder) RecordBatchApplied(ctx context.Context, shardID string, count int) {
	r.batchApplied.Add(ctx, int64(count), metric.WithAttributes(attribute.String("shard_id", shardID)))
}

func (r *Recorder) RecordBatchSize(ctx context.Context, shardID string, size int) {
	r.batchSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("shard_id", shardID)))
}

func (r *Recorder) RecordRetry(ctx context.Context, component, errorClass string) {
	r.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component), attribute.String("error_class", errorClass)))
}

func (r *Recorder) RecordLockContention(ctx context.Context, resource string) {
	r.lockContention.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
}

func (r *Recorder) RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(tags)+1)
	attrs = append(attrs, attribute.String("name", name))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	r.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

var _ metrics.MetricRecorder = (*Recorder)(nil)
