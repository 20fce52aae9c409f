package metrics

import (
	"context"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
)

// Tracer is the abstract interface for distributed tracing of Migration and Step
// execution flows, independent of the OpenTelemetry SDK.
type Tracer interface {
	// StartMigrationSpan starts a span for a Migration. Returns a context carrying
	// the span and a function to end it — callers defer the returned function.
	StartMigrationSpan(ctx context.Context, m *model.Migration) (context.Context, func())

	// StartStepSpan starts a span for one Executor's (step, shard) run.
	StartStepSpan(ctx context.Context, stepID, shardID string) (context.Context, func())

	// RecordError records an error on the current span.
	RecordError(ctx context.Context, component string, err error)

	// RecordEvent records a named event with attributes on the current span.
	RecordEvent(ctx context.Context, name string, attributes map[string]interface{})
}
