package repository

import "github.com/shardmig/migrator/pkg/migration/core/domain/model"

// PlanStore persists the materialized Plan for a Migration, separately from
// StatusStore's CAS-mutated records — a Plan is written once at admission time
// and read many times by the Orchestrator and every Executor it dispatches, so
// it has no need of CAS semantics.
type PlanStore interface {
	// Put durably associates migrationID with plan, overwriting any prior entry.
	Put(migrationID string, plan model.Plan) error

	// Get loads the Plan for migrationID.
	Get(migrationID string) (model.Plan, bool, error)
}
