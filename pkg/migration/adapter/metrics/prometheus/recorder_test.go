package prometheus_test

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmig/migrator/pkg/migration/adapter/metrics/prometheus"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
)

func counterValue(t *testing.T, r *prometheus.Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				if c := metric.GetCounter(); c != nil {
					return c.GetValue()
				}
				if g := metric.GetGauge(); g != nil {
					return g.GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %q with labels %v not found", name, labels)
	return 0
}

func sampleCount(t *testing.T, r *prometheus.Recorder, name string, labels map[string]string) uint64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric.GetHistogram().GetSampleCount()
			}
		}
	}
	t.Fatalf("histogram %q with labels %v not found", name, labels)
	return 0
}

func labelsMatch(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) != len(want) {
		return false
	}
	for _, lp := range got {
		if want[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestRecordMigrationStartAndEndIncrementStatusCounter(t *testing.T) {
	r := prometheus.New()
	m := &model.Migration{Status: model.MigrationCompleted}

	r.RecordMigrationStart(context.Background(), m)
	r.RecordMigrationEnd(context.Background(), m)

	assert.Equal(t, float64(2), counterValue(t, r, "migrator_migration_status_total", map[string]string{"status": "completed"}))
}

func TestRecordMigrationEndObservesDurationOnlyWhenTimestampsPresent(t *testing.T) {
	r := prometheus.New()
	started := time.Now().Add(-2 * time.Second)
	ended := time.Now()
	m := &model.Migration{Status: model.MigrationCompleted, StartedAt: &started, EndedAt: &ended}

	r.RecordMigrationEnd(context.Background(), m)

	assert.Equal(t, uint64(1), sampleCount(t, r, "migrator_migration_duration_seconds", map[string]string{"status": "completed"}))
}

func TestRecordStepStartAndEndPairsDurationSample(t *testing.T) {
	r := prometheus.New()
	ctx := context.Background()

	r.RecordStepStart(ctx, "step-1", "sh0")
	time.Sleep(time.Millisecond)
	r.RecordStepEnd(ctx, "step-1", "sh0", model.ShardCompleted)

	labels := map[string]string{"step_id": "step-1", "shard_id": "sh0", "status": "completed"}
	assert.Equal(t, float64(1), counterValue(t, r, "migrator_step_status_total", labels))
	assert.Equal(t, uint64(1), sampleCount(t, r, "migrator_step_duration_seconds", labels))
}

func TestRecordBatchAppliedAccumulatesAndBatchSizeIsAGauge(t *testing.T) {
	r := prometheus.New()
	ctx := context.Background()

	r.RecordBatchApplied(ctx, "sh0", 5)
	r.RecordBatchApplied(ctx, "sh0", 3)
	r.RecordBatchSize(ctx, "sh0", 200)
	r.RecordBatchSize(ctx, "sh0", 150) // gauge overwrites, does not accumulate

	assert.Equal(t, float64(8), counterValue(t, r, "migrator_batch_applied_total", map[string]string{"shard_id": "sh0"}))
	assert.Equal(t, float64(150), counterValue(t, r, "migrator_batch_size", map[string]string{"shard_id": "sh0"}))
}

func TestRecordRetryAndLockContentionIncrementCounters(t *testing.T) {
	r := prometheus.New()
	ctx := context.Background()

	r.RecordRetry(ctx, "executor", "transient")
	r.RecordLockContention(ctx, "shard:sh0")

	assert.Equal(t, float64(1), counterValue(t, r, "migrator_retry_total", map[string]string{"component": "executor", "error_class": "transient"}))
	assert.Equal(t, float64(1), counterValue(t, r, "migrator_lock_contention_total", map[string]string{"resource": "shard:sh0"}))
}
