// Package orchestrator drives one Migration's state machine end to end:
// admission and planning, stage-by-stage fan-out of data/schema steps across
// shards with bounded concurrency, validation gating, and compensating
// rollback on failure (§4.6).
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/domain/repository"
	"github.com/shardmig/migrator/pkg/migration/core/metrics"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
	"github.com/shardmig/migrator/pkg/migration/engine/backup"
	"github.com/shardmig/migrator/pkg/migration/engine/batchpump"
	"github.com/shardmig/migrator/pkg/migration/engine/executor"
	"github.com/shardmig/migrator/pkg/migration/engine/planner"
	"github.com/shardmig/migrator/pkg/migration/engine/retry"
	"github.com/shardmig/migrator/pkg/migration/engine/transform"
	"github.com/shardmig/migrator/pkg/migration/engine/validator"
	"github.com/shardmig/migrator/pkg/migration/support/util/exception"
	"github.com/shardmig/migrator/pkg/migration/support/util/logger"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

const component = "orchestrator"

// Orchestrator coordinates Migrations from admission through terminal state.
type Orchestrator struct {
	store        repository.StatusStore
	planStore    repository.PlanStore
	requestStore repository.RequestStore
	planner      *planner.Planner
	lockManager  ports.LockManager
	eventBus     ports.EventBus
	drivers      map[model.StoreClass]ports.StoreDriver
	registry     *transform.Registry
	retryFactory *retry.Factory
	validator    *validator.Validator
	cfg          *config.Config
	rec          metrics.MetricRecorder
	tracer       metrics.Tracer
	shardGate    *batchpump.ShardGate
	backup       *backup.Backup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Orchestrator. backupCollaborator may be nil, in which case
// rollback of a data step with no registered inverse transform is always
// unrecoverable.
func New(
	store repository.StatusStore,
	planStore repository.PlanStore,
	requestStore repository.RequestStore,
	pl *planner.Planner,
	lockManager ports.LockManager,
	eventBus ports.EventBus,
	drivers map[model.StoreClass]ports.StoreDriver,
	registry *transform.Registry,
	retryFactory *retry.Factory,
	v *validator.Validator,
	cfg *config.Config,
	rec metrics.MetricRecorder,
	tracer metrics.Tracer,
	backupCollaborator *backup.Backup,
) *Orchestrator {
	return &Orchestrator{
		store:        store,
		planStore:    planStore,
		requestStore: requestStore,
		planner:      pl,
		lockManager:  lockManager,
		eventBus:     eventBus,
		drivers:      drivers,
		registry:     registry,
		retryFactory: retryFactory,
		validator:    v,
		cfg:          cfg,
		rec:          rec,
		tracer:       tracer,
		shardGate:    batchpump.NewShardGate(cfg.Engine.Orchestrator.PerStoreClassParallelism),
		backup:       backupCollaborator,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Admit materializes a Plan from req, persists the Migration, Plan, and
// original request, and transitions the Migration from Created to Pending.
// It does not start execution — callers call Start separately, matching the
// in-process Service's create/start split (§6).
func (o *Orchestrator) Admit(ctx context.Context, req model.MigrationRequest) (*model.Migration, error) {
	plan, err := o.planner.Plan(req)
	if err != nil {
		return nil, fmt.Errorf("%s: planning request %q: %w", component, req.ID, err)
	}

	rollbackPolicy := req.RollbackPolicy
	if rollbackPolicy == "" {
		rollbackPolicy = o.cfg.Engine.Orchestrator.RollbackPolicy
	}

	m := model.NewMigration(uuid.NewString(), req.ID, rollbackPolicy)
	m.PlanDigest = plan.Digest
	m.ShardStepsTotal = plan.TotalShardSteps()
	m.TopologyVersion = plan.TopologyVersion
	m.OwnerToken = uuid.NewString()

	if err := o.store.CreateMigration(ctx, m); err != nil {
		return nil, fmt.Errorf("%s: creating migration record for request %q: %w", component, req.ID, err)
	}
	if err := o.planStore.Put(m.ID, plan); err != nil {
		return nil, fmt.Errorf("%s: persisting plan for migration %q: %w", component, m.ID, err)
	}
	if err := o.requestStore.Put(m.ID, req); err != nil {
		return nil, fmt.Errorf("%s: persisting request for migration %q: %w", component, m.ID, err)
	}
	o.emit(ctx, m.ID, model.EventCreated, nil)

	startVersion := m.Version
	if !m.Transition(model.MigrationPlanning) || !m.Transition(model.MigrationPending) {
		return nil, exception.New(component, "unexpected transition failure during admission", nil, exception.ClassStructural)
	}
	if err := o.casUpdate(ctx, m, startVersion); err != nil {
		return nil, err
	}
	return m, nil
}

// Start runs an admitted Migration's Plan to completion (or failure), blocking
// until it reaches a terminal state. The lock for model.GlobalResource is not
// taken here — per-shard locks are acquired per step via the Lock Manager so
// independent migrations on disjoint shards still run concurrently.
func (o *Orchestrator) Start(ctx context.Context, migrationID string) error {
	m, err := o.store.GetMigration(ctx, migrationID)
	if err != nil {
		return fmt.Errorf("%s: loading migration %q: %w", component, migrationID, err)
	}
	if m.Status.IsTerminal() {
		return model.ErrTerminalMigration
	}

	plan, ok, err := o.planStore.Get(migrationID)
	if err != nil || !ok {
		return exception.New(component, fmt.Sprintf("no plan found for migration %q", migrationID), err, exception.ClassStructural)
	}
	req, ok, err := o.requestStore.Get(migrationID)
	if err != nil || !ok {
		return exception.New(component, fmt.Sprintf("no request found for migration %q", migrationID), err, exception.ClassStructural)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[migrationID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, migrationID)
		o.mu.Unlock()
		cancel()
	}()

	runCtx, endSpan := o.tracer.StartMigrationSpan(runCtx, m)
	defer endSpan()
	o.rec.RecordMigrationStart(runCtx, m)

	if err := o.validator.PreCheck(runCtx, plan, o.lockManager, m.ID); err != nil {
		return o.failMigration(runCtx, m, err)
	}

	v := m.Version
	if !m.Transition(model.MigrationRunning) {
		return o.failMigration(runCtx, m, exception.New(component, "cannot start migration not in pending state", nil, exception.ClassStructural))
	}
	if err := o.casUpdate(runCtx, m, v); err != nil {
		return err
	}
	o.emit(runCtx, m.ID, model.EventStarted, nil)

	requestStepByID := make(map[string]model.RequestStep, len(req.Steps))
	for _, rs := range req.Steps {
		requestStepByID[rs.ID] = rs
	}
	transformNames := func(step model.Step) []string {
		return requestStepByID[step.RequestStepID].Transforms
	}

	completed, runErr := o.runStages(runCtx, m, plan, req.StoreClass, transformNames)
	if runErr != nil {
		return o.rollbackAndFail(runCtx, m, req.StoreClass, completed, transformNames, runErr)
	}

	v = m.Version
	if !m.Transition(model.MigrationValidating) {
		return o.failMigration(runCtx, m, exception.New(component, "cannot validate migration outside running state", nil, exception.ClassStructural))
	}
	if err := o.casUpdate(runCtx, m, v); err != nil {
		return err
	}

	progressList, err := o.store.ListProgress(runCtx, m.ID)
	if err != nil {
		return o.failMigration(runCtx, m, fmt.Errorf("%s: listing progress for cross-shard check: %w", component, err))
	}
	if err := o.validator.CrossShardCheck(runCtx, progressList); err != nil {
		o.emit(runCtx, m.ID, model.EventValidationFailed, map[string]string{"error": exception.Message(err)})
		return o.rollbackAndFail(runCtx, m, req.StoreClass, completed, transformNames, err)
	}

	v = m.Version
	if !m.Transition(model.MigrationCompleted) {
		return o.failMigration(runCtx, m, exception.New(component, "cannot complete migration outside validating state", nil, exception.ClassStructural))
	}
	m.Outcome = "completed"
	if err := o.casUpdate(runCtx, m, v); err != nil {
		return err
	}
	o.emit(runCtx, m.ID, model.EventCompleted, nil)
	o.rec.RecordMigrationEnd(runCtx, m)
	return nil
}

// runStages executes every stage of plan in topological order, fanning out the
// steps of one stage up to PerStoreClassParallelism at a time, and returns the
// steps that completed successfully (for rollback bookkeeping) plus the errors
// of the failing stage aggregated into one error, if any. A stage only starts once every step of the
// previous stage has finished — the staged schema-then-data ordering Plan
// encodes in its levels. Each completed data step is immediately run through
// the Validator's per-shard post-check against the source's authoritative
// count; a tolerance breach is treated the same as an exec.Run failure.
func (o *Orchestrator) runStages(ctx context.Context, m *model.Migration, plan model.Plan, class model.StoreClass, transformNames executor.TransformNames) ([]model.Step, error) {
	driver, ok := o.drivers[class]
	if !ok {
		return nil, exception.New(component, fmt.Sprintf("no store driver registered for store class %q", class), nil, exception.ClassStructural)
	}
	exec := executor.New(driver, o.store, o.registry, o.cfg.Engine.BatchPump, o.rec, o.tracer, transformNames, o.backup)

	var completed []model.Step
	var mMu sync.Mutex

	parallelism := o.cfg.Engine.Orchestrator.PerStoreClassParallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	for stageIdx, stepIDs := range plan.Stages {
		var wg sync.WaitGroup
		errCh := make(chan error, len(stepIDs))

		mMu.Lock()
		m.Stage = stageIdx
		stageVersion := m.Version
		mMu.Unlock()
		_ = o.casUpdate(ctx, m, stageVersion)

		for _, stepID := range stepIDs {
			step, ok := plan.StepByID(stepID)
			if !ok {
				continue
			}
			wg.Add(1)
			go func(step model.Step) {
				defer wg.Done()

				release, gateErr := o.shardGate.AcquireShard(ctx, string(class), step.ShardID, parallelism)
				if gateErr != nil {
					errCh <- fmt.Errorf("%s: acquiring shard gate for %q: %w", component, step.ShardID, gateErr)
					return
				}
				defer release()

				fencingToken, lockErr := o.lockManager.Acquire(ctx, model.ShardResource(step.ShardID), m.ID)
				if lockErr != nil {
					errCh <- fmt.Errorf("%s: acquiring lock for shard %q: %w", component, step.ShardID, lockErr)
					return
				}
				defer func() {
					if err := o.lockManager.Release(ctx, model.ShardResource(step.ShardID), m.ID); err != nil {
						logger.Warnf("%s: releasing lock for shard %q: %v", component, step.ShardID, err)
					}
				}()

				o.emit(ctx, m.ID, model.EventStepStarted, map[string]string{"step_id": step.ID, "shard_id": step.ShardID})

				policy := o.retryFactory.ForClass(o.cfg, exception.ClassTransient)
				if err := exec.Run(ctx, m.ID, step, policy, fencingToken); err != nil {
					o.emit(ctx, m.ID, model.EventStepFailed, map[string]string{"step_id": step.ID, "shard_id": step.ShardID, "error": exception.Message(err)})
					errCh <- err
					return
				}

				mMu.Lock()
				completed = append(completed, step)
				m.ShardStepsCompleted++
				mMu.Unlock()

				if step.Kind == model.StepKindData {
					progress, progErr := o.store.GetProgress(ctx, m.ID, step.ID, step.ShardID)
					if progErr != nil {
						errCh <- fmt.Errorf("%s: loading progress for post-check of step %q shard %q: %w", component, step.ID, step.ShardID, progErr)
						return
					}
					if err := o.validator.PostCheck(ctx, step, progress); err != nil {
						o.emit(ctx, m.ID, model.EventStepFailed, map[string]string{"step_id": step.ID, "shard_id": step.ShardID, "error": exception.Message(err)})
						errCh <- err
						return
					}
				}
				o.emit(ctx, m.ID, model.EventStepCompleted, map[string]string{"step_id": step.ID, "shard_id": step.ShardID})
			}(step)
		}
		wg.Wait()
		close(errCh)

		var stageErr error
		for err := range errCh {
			stageErr = multierror.Append(stageErr, err)
		}
		if stageErr != nil {
			return completed, stageErr
		}
	}
	return completed, nil
}

func (o *Orchestrator) rollbackAndFail(ctx context.Context, m *model.Migration, class model.StoreClass, completed []model.Step, transformNames executor.TransformNames, cause error) error {
	if m.RollbackPolicy != "compensate" {
		return o.failMigration(ctx, m, cause)
	}

	v := m.Version
	if !m.Transition(model.MigrationFailing) {
		return o.failMigration(ctx, m, cause)
	}
	m.LastError = exception.Message(cause)
	if err := o.casUpdate(ctx, m, v); err != nil {
		logger.Warnf("%s: failed to record failing state for migration %q: %v", component, m.ID, err)
	}

	v = m.Version
	if !m.Transition(model.MigrationRollingBack) {
		return o.failMigration(ctx, m, cause)
	}
	if err := o.casUpdate(ctx, m, v); err != nil {
		logger.Warnf("%s: failed to record rolling_back state for migration %q: %v", component, m.ID, err)
	}

	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Kind != model.StepKindData {
			m.UnrecoverableSteps = append(m.UnrecoverableSteps, step.ID)
			continue
		}
		names := transformNames(step)
		exec, err := o.executorFor(class)
		if err != nil {
			logger.Errorf("%s: %v", component, err)
			m.UnrecoverableSteps = append(m.UnrecoverableSteps, step.ID)
			continue
		}
		if err := exec.Compensate(ctx, m.ID, step, names); err != nil {
			logger.Errorf("%s: compensation failed for step %q shard %q: %v", component, step.ID, step.ShardID, err)
			m.UnrecoverableSteps = append(m.UnrecoverableSteps, step.ID)
		}
	}

	v = m.Version
	if len(m.UnrecoverableSteps) > 0 {
		m.Transition(model.MigrationFailed)
		_ = o.casUpdate(ctx, m, v)
		o.emit(ctx, m.ID, model.EventFailed, map[string]string{"error": m.LastError})
		return cause
	}

	m.Transition(model.MigrationRolledBack)
	_ = o.casUpdate(ctx, m, v)
	o.emit(ctx, m.ID, model.EventRolledBack, nil)
	return cause
}

func (o *Orchestrator) executorFor(class model.StoreClass) (*executor.Executor, error) {
	driver, ok := o.drivers[class]
	if !ok {
		return nil, fmt.Errorf("%s: no store driver registered for store class %q", component, class)
	}
	return executor.New(driver, o.store, o.registry, o.cfg.Engine.BatchPump, o.rec, o.tracer, nil, o.backup), nil
}

func (o *Orchestrator) failMigration(ctx context.Context, m *model.Migration, cause error) error {
	v := m.Version
	m.LastError = exception.Message(cause)
	if m.Transition(model.MigrationFailed) {
		if err := o.casUpdate(ctx, m, v); err != nil {
			logger.Warnf("%s: failed to record failed state for migration %q: %v", component, m.ID, err)
		}
	}
	o.emit(ctx, m.ID, model.EventFailed, map[string]string{"error": m.LastError})
	o.rec.RecordMigrationEnd(ctx, m)
	return cause
}

// Cancel requests cooperative cancellation of a running Migration: it cancels
// the run context (so the next checkpoint boundary observes ctx.Err()) and
// transitions toward Cancelling/Cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, migrationID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[migrationID]
	o.mu.Unlock()
	if ok {
		cancel()
	}

	m, err := o.store.GetMigration(ctx, migrationID)
	if err != nil {
		return fmt.Errorf("%s: loading migration %q for cancel: %w", component, migrationID, err)
	}
	if m.Status.IsTerminal() {
		return nil
	}
	v := m.Version
	if !m.Transition(model.MigrationCancelling) {
		return exception.New(component, fmt.Sprintf("migration %q cannot be cancelled from status %q", migrationID, m.Status), nil, exception.ClassLogical)
	}
	if err := o.casUpdate(ctx, m, v); err != nil {
		return err
	}
	v = m.Version
	if !m.Transition(model.MigrationCancelled) {
		return nil
	}
	if err := o.casUpdate(ctx, m, v); err != nil {
		return err
	}
	o.emit(ctx, m.ID, model.EventCancelled, nil)
	return nil
}

// casUpdate writes m via the Status Store's CAS path, racing against
// expectedVersion — the Version the caller observed before making the edits
// now present on m. Callers that apply several Transition calls before
// persisting must capture expectedVersion once, up front, not re-derive it
// from m.Version after the fact.
func (o *Orchestrator) casUpdate(ctx context.Context, m *model.Migration, expectedVersion int64) error {
	expected := &model.Migration{ID: m.ID, Version: expectedVersion}
	if err := o.store.CASMigrationState(ctx, expected, m); err != nil {
		return fmt.Errorf("%s: updating migration %q: %w", component, m.ID, err)
	}
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, migrationID string, kind model.EventKind, payload interface{}) {
	e := &model.Event{
		ID:          uuid.NewString(),
		MigrationID: migrationID,
		Kind:        kind,
		Timestamp:   time.Now(),
		Payload:     payload,
	}
	if err := o.store.AppendEvent(ctx, e); err != nil {
		logger.Warnf("%s: failed to append event %q for migration %q: %v", component, kind, migrationID, err)
		return
	}
	if o.eventBus != nil {
		if err := o.eventBus.Publish(ctx, e); err != nil {
			logger.Warnf("%s: failed to publish event %q for migration %q, will drain later: %v", component, kind, migrationID, err)
		} else if err := o.store.MarkEventPublished(ctx, e.ID); err != nil {
			logger.Warnf("%s: failed to mark event %q published: %v", component, e.ID, err)
		}
	}
}
