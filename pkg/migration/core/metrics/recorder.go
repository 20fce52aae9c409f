// Package metrics declares the abstract MetricRecorder and Tracer seams the engine
// depends on, so that concrete exporters (Prometheus, OpenTelemetry) stay out of
// every other package's import graph.
package metrics

import (
	"context"
	"time"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
)

// MetricRecorder is the abstract interface for recording engine metrics. It
// standardizes how migration-, step-, shard-, and batch-level events are counted
// and timed, independent of the exporter backend.
type MetricRecorder interface {
	// RecordMigrationStart records the start of a Migration.
	RecordMigrationStart(ctx context.Context, m *model.Migration)

	// RecordMigrationEnd records the terminal state of a Migration.
	RecordMigrationEnd(ctx context.Context, m *model.Migration)

	// RecordStepStart records an Executor beginning a (step, shard) pair.
	RecordStepStart(ctx context.Context, stepID, shardID string)

	// RecordStepEnd records an Executor finishing a (step, shard) pair.
	RecordStepEnd(ctx context.Context, stepID, shardID string, status model.ShardProgressStatus)

	// RecordBatchApplied records one Batch Pump batch successfully applied.
	RecordBatchApplied(ctx context.Context, shardID string, count int)

	// RecordBatchSize records the Batch Pump's current target size for a shard,
	// after an adaptive-sizing adjustment.
	RecordBatchSize(ctx context.Context, shardID string, size int)

	// RecordRetry records a retried operation and the error class that triggered it.
	RecordRetry(ctx context.Context, component, errorClass string)

	// RecordLockContention records a failed (busy) lock acquisition attempt.
	RecordLockContention(ctx context.Context, resource string)

	// RecordDuration records the execution time of a named operation with tags.
	RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string)
}
