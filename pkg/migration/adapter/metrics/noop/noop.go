// Package noop implements MetricRecorder and Tracer as no-ops, for tests and
// the "metrics.backend: noop" configuration option.
package noop

import (
	"context"
	"time"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/metrics"
)

// Recorder discards every metric.
type Recorder struct{}

// New creates a no-op Recorder.
func New() *Recorder { return &Recorder{} }

func (*Recorder) RecordMigrationStart(ctx context.Context, m *model.Migration)              {}
func (*Recorder) RecordMigrationEnd(ctx context.Context, m *model.Migration)                {}
func (*Recorder) RecordStepStart(ctx context.Context, stepID, shardID string)               {}
func (*Recorder) RecordStepEnd(ctx context.Context, stepID, shardID string, status model.ShardProgressStatus) {
}
func (*Recorder) RecordBatchApplied(ctx context.Context, shardID string, count int) {}
func (*Recorder) RecordBatchSize(ctx context.Context, shardID string, size int)     {}
func (*Recorder) RecordRetry(ctx context.Context, component, errorClass string)     {}
func (*Recorder) RecordLockContention(ctx context.Context, resource string)         {}
func (*Recorder) RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string) {
}

var _ metrics.MetricRecorder = (*Recorder)(nil)

// Tracer discards every span.
type Tracer struct{}

// NewTracer creates a no-op Tracer.
func NewTracer() *Tracer { return &Tracer{} }

func (*Tracer) StartMigrationSpan(ctx context.Context, m *model.Migration) (context.Context, func()) {
	return ctx, func() {}
}
func (*Tracer) StartStepSpan(ctx context.Context, stepID, shardID string) (context.Context, func()) {
	return ctx, func() {}
}
func (*Tracer) RecordError(ctx context.Context, component string, err error)                  {}
func (*Tracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {}

var _ metrics.Tracer = (*Tracer)(nil)
