// Package validator implements the three validation phases that gate a
// Migration's progress through the state machine (§4.7): a pre-check before
// any step runs, a per-shard post-check after each data step completes, and a
// cross-shard check before the Migration is allowed into Completed.
package validator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
	"github.com/shardmig/migrator/pkg/migration/support/util/exception"
)

const component = "validator"

// SourceCounter reports the authoritative record count for a (step, shard) from
// the originating back-end, used as the post-check baseline.
type SourceCounter func(ctx context.Context, step model.Step) (int64, error)

// Validator runs pre-, post-, and cross-shard checks.
type Validator struct {
	cfg     config.ValidatorConfig
	counter SourceCounter
}

// New creates a Validator.
func New(cfg config.ValidatorConfig, counter SourceCounter) *Validator {
	return &Validator{cfg: cfg, counter: counter}
}

// PreCheck verifies the plan is structurally sound before any step runs —
// every declared dependency resolves to a step present in the plan — and
// probes lease feasibility for every shard the plan touches, so a migration
// contending with another holder fails cleanly here rather than mid-run with
// steps already applied. locks may be nil in tests that don't exercise
// leasing; holderID is the Migration ID the Orchestrator will use for its own
// per-step Acquire calls once running starts.
func (v *Validator) PreCheck(ctx context.Context, plan model.Plan, locks ports.LockManager, holderID string) error {
	known := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		known[s.ID] = true
	}
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			if !known[dep] {
				return exception.New(component, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep), nil, exception.ClassStructural)
			}
		}
	}

	if locks == nil {
		return nil
	}
	probed := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		resource := model.ShardResource(s.ShardID)
		if probed[resource] {
			continue
		}
		probed[resource] = true
		if _, err := locks.Acquire(ctx, resource, holderID); err != nil {
			if errors.Is(err, model.ErrLockBusy) {
				return exception.New(component, fmt.Sprintf("resource %q is held by another migration", resource), model.ErrLockUnavailable, exception.ClassContention)
			}
			return fmt.Errorf("%s: probing lease feasibility for resource %q: %w", component, resource, err)
		}
		if err := locks.Release(ctx, resource, holderID); err != nil {
			return fmt.Errorf("%s: releasing probe lease for resource %q: %w", component, resource, err)
		}
	}
	return nil
}

// PostCheck compares a completed data step's ShardProgress.ItemsProcessed
// against the source's authoritative count, passing if the relative delta is
// within CountDeltaTolerance.
func (v *Validator) PostCheck(ctx context.Context, step model.Step, progress *model.ShardProgress) error {
	if v.counter == nil {
		return nil
	}
	sourceCount, err := v.counter(ctx, step)
	if err != nil {
		return fmt.Errorf("%s: counting source records for step %q shard %q: %w", component, step.ID, step.ShardID, err)
	}
	if sourceCount == 0 {
		if progress.ItemsProcessed != 0 {
			return exception.New(component, fmt.Sprintf("step %q shard %q processed %d items from an empty source", step.ID, step.ShardID, progress.ItemsProcessed), nil, exception.ClassLogical)
		}
		return nil
	}
	delta := math.Abs(float64(progress.ItemsProcessed-sourceCount)) / float64(sourceCount)
	if delta > v.cfg.CountDeltaTolerance {
		return exception.New(component, fmt.Sprintf(
			"step %q shard %q processed %d items, source has %d (delta %.4f exceeds tolerance %.4f)",
			step.ID, step.ShardID, progress.ItemsProcessed, sourceCount, delta, v.cfg.CountDeltaTolerance,
		), nil, exception.ClassLogical)
	}
	return nil
}

// CrossShardCheck runs after every data step in the plan has completed: it
// samples SampleSize progress records across shards for structural consistency
// (no shard left pending or running) before allowing the Migration into
// Validating -> Completed.
func (v *Validator) CrossShardCheck(ctx context.Context, progressList []*model.ShardProgress) error {
	sampleSize := v.cfg.SampleSize
	if sampleSize <= 0 || sampleSize > len(progressList) {
		sampleSize = len(progressList)
	}
	var failures error
	for _, p := range progressList[:sampleSize] {
		if p.Status != model.ShardCompleted && p.Status != model.ShardSkipped {
			failures = multierror.Append(failures, exception.New(component, fmt.Sprintf("shard progress %s is in non-terminal status %q at cross-shard check", p.Key(), p.Status), nil, exception.ClassLogical))
		}
	}
	return failures
}
