// Package executor runs one (Step, shard) to completion: schema steps apply
// once via StoreDriver.ApplySchema; data steps drive the Batch Pump's
// stream/apply cycle with per-batch checkpointing, transformer application,
// and class-aware retry (§4.5).
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/domain/repository"
	"github.com/shardmig/migrator/pkg/migration/core/metrics"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
	"github.com/shardmig/migrator/pkg/migration/engine/backup"
	"github.com/shardmig/migrator/pkg/migration/engine/batchpump"
	"github.com/shardmig/migrator/pkg/migration/engine/retry"
	"github.com/shardmig/migrator/pkg/migration/engine/transform"
	"github.com/shardmig/migrator/pkg/migration/support/util/exception"
	"github.com/shardmig/migrator/pkg/migration/support/util/logger"
)

const component = "executor"

// TransformNames resolves which named transformers apply to a Step; supplied by
// the Orchestrator from the originating MigrationRequest, which the Executor
// itself has no visibility into beyond the materialized Plan.
type TransformNames func(step model.Step) []string

// Executor runs individual Steps against one StoreDriver.
type Executor struct {
	driver     ports.StoreDriver
	store      repository.StatusStore
	registry   *transform.Registry
	pumpCfg    config.BatchPumpConfig
	metrics    metrics.MetricRecorder
	tracer     metrics.Tracer
	transforms TransformNames
	backup     *backup.Backup
}

// New creates an Executor. backup may be nil, in which case a completed data
// step without a registered inverse transform is unrecoverable on rollback
// rather than restorable from a snapshot.
func New(
	driver ports.StoreDriver,
	store repository.StatusStore,
	registry *transform.Registry,
	pumpCfg config.BatchPumpConfig,
	rec metrics.MetricRecorder,
	tracer metrics.Tracer,
	transforms TransformNames,
	backup *backup.Backup,
) *Executor {
	return &Executor{
		driver:     driver,
		store:      store,
		registry:   registry,
		pumpCfg:    pumpCfg,
		metrics:    rec,
		tracer:     tracer,
		transforms: transforms,
		backup:     backup,
	}
}

// Run executes step against shardID, resuming from a prior checkpoint if a
// ShardProgress record already exists. retryPolicy selects the backoff policy
// for transient/contention errors at the batch level. fencingToken is the
// value the Lock Manager's Acquire returned for the step's shard; every
// UpsertProgress call made during the run, including checkpoint advances,
// carries it so a Status Store that has since observed a takeover on the
// same shard rejects the write (§4.10).
func (e *Executor) Run(ctx context.Context, migrationID string, step model.Step, retryPolicy retry.Policy, fencingToken int64) error {
	ctx, endSpan := e.tracer.StartStepSpan(ctx, step.ID, step.ShardID)
	defer endSpan()

	progress, err := e.loadOrCreateProgress(ctx, migrationID, step)
	if err != nil {
		return fmt.Errorf("%s: loading progress for step %q shard %q: %w", component, step.ID, step.ShardID, err)
	}
	progress.FencingToken = fencingToken
	if progress.Status == model.ShardCompleted || progress.Status == model.ShardSkipped {
		return nil
	}

	e.metrics.RecordStepStart(ctx, step.ID, step.ShardID)
	start := time.Now()

	conn, err := e.driver.Open(ctx, step.ShardID)
	if err != nil {
		return e.fail(ctx, progress, fmt.Errorf("%s: opening connection to shard %q: %w", component, step.ShardID, err))
	}
	defer conn.Close()

	progress.Status = model.ShardRunning
	now := time.Now()
	progress.StartedAt = &now
	progress.Version++
	if err := e.store.UpsertProgress(ctx, progress); err != nil {
		return fmt.Errorf("%s: marking step %q shard %q running: %w", component, step.ID, step.ShardID, err)
	}

	switch step.Kind {
	case model.StepKindSchema:
		err = e.runSchema(ctx, conn, step, progress, retryPolicy)
	case model.StepKindData:
		err = e.runData(ctx, conn, step, progress, retryPolicy)
	default:
		err = fmt.Errorf("%s: unknown step kind %q", component, step.Kind)
	}

	elapsed := time.Since(start)
	if err != nil {
		e.metrics.RecordStepEnd(ctx, step.ID, step.ShardID, model.ShardFailed)
		e.metrics.RecordDuration(ctx, "step.run", elapsed, map[string]string{"step_id": step.ID, "shard_id": step.ShardID, "outcome": "failed"})
		return e.fail(ctx, progress, err)
	}
	e.metrics.RecordStepEnd(ctx, step.ID, step.ShardID, model.ShardCompleted)
	e.metrics.RecordDuration(ctx, "step.run", elapsed, map[string]string{"step_id": step.ID, "shard_id": step.ShardID, "outcome": "completed"})

	progress.Status = model.ShardCompleted
	end := time.Now()
	progress.EndedAt = &end
	progress.Version++
	if err := e.store.UpsertProgress(ctx, progress); err != nil {
		return fmt.Errorf("%s: marking step %q shard %q completed: %w", component, step.ID, step.ShardID, err)
	}
	return nil
}

func (e *Executor) loadOrCreateProgress(ctx context.Context, migrationID string, step model.Step) (*model.ShardProgress, error) {
	existing, err := e.store.GetProgress(ctx, migrationID, step.ID, step.ShardID)
	if err == nil && existing != nil {
		return existing, nil
	}
	fresh := &model.ShardProgress{
		MigrationID: migrationID,
		StepID:      step.ID,
		ShardID:     step.ShardID,
		Status:      model.ShardPending,
	}
	if step.EstimatedItems > 0 {
		fresh.TotalItems = &step.EstimatedItems
	}
	return fresh, nil
}

func (e *Executor) runSchema(ctx context.Context, conn ports.Conn, step model.Step, progress *model.ShardProgress, retryPolicy retry.Policy) error {
	attempt := 0
	for {
		attempt++
		alreadyApplied, err := e.driver.ApplySchema(ctx, conn, step)
		if err == nil {
			if alreadyApplied {
				logger.Debugf("%s: schema step %q already applied on shard %q", component, step.ID, step.ShardID)
			}
			return nil
		}
		if !retryPolicy.ShouldRetry(err, attempt) {
			return fmt.Errorf("%s: applying schema step %q to shard %q: %w", component, step.ID, step.ShardID, err)
		}
		e.metrics.RecordRetry(ctx, component, exception.ClassOf(err).String())
		wait := time.Duration(retryPolicy.BackoffInterval(attempt)) * time.Millisecond
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (e *Executor) runData(ctx context.Context, conn ports.Conn, step model.Step, progress *model.ShardProgress, retryPolicy retry.Policy) error {
	pump := batchpump.New(e.driver, e.pumpCfg)

	var capture *backup.Capture
	if e.backup != nil {
		c, err := e.backup.Capture(progress.MigrationID, step)
		if err != nil {
			logger.Warnf("%s: could not open snapshot capture for step %q shard %q, rollback will rely on inverse transforms only: %v", component, step.ID, step.ShardID, err)
		} else {
			capture = c
		}
	}
	defer func() {
		if capture != nil {
			if _, err := capture.Close(); err != nil {
				logger.Warnf("%s: discarding incomplete snapshot for step %q shard %q: %v", component, step.ID, step.ShardID, err)
			}
		}
	}()

	var transformFn ports.Transformer
	if e.transforms != nil {
		names := e.transforms(step)
		if len(names) > 0 {
			fn, err := e.registry.Chain(names)
			if err != nil {
				return exception.New(component, "resolving transform chain", err, exception.ClassStructural)
			}
			transformFn = fn
		}
	}

	cursor := progress.LastCheckpoint
	for {
		attempt := 0
		var batch ports.Batch
		var applyErr error
		var applyStart time.Time

		for {
			attempt++
			applyStart = time.Now()
			var err error
			batch, err = pump.Next(ctx, conn, cursor)
			if err != nil {
				if retryPolicy.ShouldRetry(err, attempt) {
					e.metrics.RecordRetry(ctx, component, exception.ClassOf(err).String())
					wait := time.Duration(retryPolicy.BackoffInterval(attempt)) * time.Millisecond
					if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
						return sleepErr
					}
					continue
				}
				return fmt.Errorf("%s: streaming step %q shard %q at cursor %q: %w", component, step.ID, step.ShardID, cursor, err)
			}

			if capture != nil {
				if err := capture.Write(batch.Records); err != nil {
					logger.Warnf("%s: snapshot capture write failed for step %q shard %q, rollback will rely on inverse transforms only: %v", component, step.ID, step.ShardID, err)
					capture = nil
				}
			}

			applied, err := e.applyBatch(ctx, conn, batch, transformFn)
			pump.RecordApplyLatency(time.Since(applyStart), e.driver.HealthCheck(ctx, conn))
			if err != nil {
				applyErr = err
				if retryPolicy.ShouldRetry(err, attempt) {
					e.metrics.RecordRetry(ctx, component, exception.ClassOf(err).String())
					wait := time.Duration(retryPolicy.BackoffInterval(attempt)) * time.Millisecond
					if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
						return sleepErr
					}
					continue
				}
				return fmt.Errorf("%s: applying batch for step %q shard %q: %w", component, step.ID, step.ShardID, err)
			}

			e.metrics.RecordBatchApplied(ctx, step.ShardID, applied)
			e.metrics.RecordBatchSize(ctx, step.ShardID, len(batch.Records))
			applyErr = nil
			break
		}
		if applyErr != nil {
			return applyErr
		}

		progress.AdvanceCheckpoint(batch.NextCursor, int64(len(batch.Records)))
		if batch.Done && capture != nil {
			ref, err := capture.Close()
			capture = nil
			if err != nil {
				logger.Warnf("%s: finalizing snapshot for step %q shard %q: %v", component, step.ID, step.ShardID, err)
			} else {
				progress.SnapshotRef = ref
			}
		}
		if err := e.store.UpsertProgress(ctx, progress); err != nil {
			return exception.NewOptimisticLockFailure(component, fmt.Sprintf("checkpointing step %q shard %q", step.ID, step.ShardID), err)
		}
		cursor = batch.NextCursor

		if batch.Done {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (e *Executor) applyBatch(ctx context.Context, conn ports.Conn, batch ports.Batch, transformFn ports.Transformer) (int, error) {
	records := batch.Records
	if transformFn != nil {
		out := make([]ports.Record, 0, len(records))
		for _, rec := range records {
			transformed, drop, err := transformFn(rec)
			if err != nil {
				return 0, exception.New(component, fmt.Sprintf("transforming record %q", rec.ID), err, exception.ClassLogical)
			}
			if drop {
				continue
			}
			out = append(out, transformed)
		}
		records = out
	}
	if len(records) == 0 {
		return 0, nil
	}
	return e.driver.ApplyBatch(ctx, conn, records)
}

func (e *Executor) fail(ctx context.Context, progress *model.ShardProgress, err error) error {
	progress.Status = model.ShardFailed
	progress.Error = exception.Message(err)
	end := time.Now()
	progress.EndedAt = &end
	progress.Version++
	if storeErr := e.store.UpsertProgress(ctx, progress); storeErr != nil {
		logger.Errorf("%s: failed to persist failure for step %q shard %q: %v", component, progress.StepID, progress.ShardID, storeErr)
	}
	e.tracer.RecordError(ctx, component, err)
	return err
}

// Compensate undoes a completed data step's effect, choosing one of two
// paths: (a) if names resolves to a registered inverse transform chain,
// re-stream the applied range and write each record back through it; (b)
// otherwise, if a pre-step snapshot was captured for this (migration, step,
// shard), restore it verbatim from the Backup collaborator. Schema steps
// have no compensating action in this model — rollback of a schema step is
// recorded as unrecoverable in the Migration's UnrecoverableSteps, matching
// §9's decision to not attempt automatic DDL reversal.
func (e *Executor) Compensate(ctx context.Context, migrationID string, step model.Step, names []string) error {
	if step.Kind != model.StepKindData {
		return fmt.Errorf("%s: step %q is not a data step, has no compensating action", component, step.ID)
	}

	progress, err := e.store.GetProgress(ctx, migrationID, step.ID, step.ShardID)
	if err != nil {
		return fmt.Errorf("%s: loading progress for compensating step %q shard %q: %w", component, step.ID, step.ShardID, err)
	}

	inverse, inverseErr := e.registry.InverseChain(names)
	if inverseErr == nil {
		return e.compensateByInverse(ctx, step, progress, inverse)
	}
	if progress.SnapshotRef != "" && e.backup != nil {
		return e.compensateBySnapshot(ctx, step, progress)
	}
	return fmt.Errorf("%s: step %q has neither a resolvable inverse transform (%v) nor a captured snapshot, rollback is unrecoverable", component, step.ID, inverseErr)
}

func (e *Executor) compensateByInverse(ctx context.Context, step model.Step, progress *model.ShardProgress, inverse ports.InverseTransformer) error {
	conn, err := e.driver.Open(ctx, step.ShardID)
	if err != nil {
		return fmt.Errorf("%s: opening connection to shard %q for compensation: %w", component, step.ShardID, err)
	}
	defer conn.Close()

	cursor := ""
	for {
		batch, err := e.driver.StreamBatch(ctx, conn, cursor, 200)
		if err != nil {
			return fmt.Errorf("%s: streaming applied range for compensation of step %q shard %q: %w", component, step.ID, step.ShardID, err)
		}
		reverted := make([]ports.Record, 0, len(batch.Records))
		for _, rec := range batch.Records {
			out, err := inverse(rec)
			if err != nil {
				return fmt.Errorf("%s: inverting record %q during compensation: %w", component, rec.ID, err)
			}
			reverted = append(reverted, out)
		}
		if len(reverted) > 0 {
			if _, err := e.driver.ApplyBatch(ctx, conn, reverted); err != nil {
				return fmt.Errorf("%s: applying compensating batch for step %q shard %q: %w", component, step.ID, step.ShardID, err)
			}
		}
		cursor = batch.NextCursor
		if batch.Done || cursor == progress.LastCheckpoint {
			break
		}
	}
	return nil
}

func (e *Executor) compensateBySnapshot(ctx context.Context, step model.Step, progress *model.ShardProgress) error {
	records, err := e.backup.Restore(ctx, progress.SnapshotRef)
	if err != nil {
		return fmt.Errorf("%s: restoring snapshot %q for step %q shard %q: %w", component, progress.SnapshotRef, step.ID, step.ShardID, err)
	}
	if len(records) == 0 {
		return nil
	}
	conn, err := e.driver.Open(ctx, step.ShardID)
	if err != nil {
		return fmt.Errorf("%s: opening connection to shard %q for snapshot restore: %w", component, step.ShardID, err)
	}
	defer conn.Close()
	if _, err := e.driver.ApplyBatch(ctx, conn, records); err != nil {
		return fmt.Errorf("%s: applying restored snapshot for step %q shard %q: %w", component, step.ID, step.ShardID, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
