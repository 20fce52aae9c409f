package model

import "time"

// ShardProgressStatus is the per-(migration, step, shard) state.
type ShardProgressStatus string

const (
	ShardPending   ShardProgressStatus = "pending"
	ShardRunning   ShardProgressStatus = "running"
	ShardCompleted ShardProgressStatus = "completed"
	ShardFailed    ShardProgressStatus = "failed"
	ShardSkipped   ShardProgressStatus = "skipped"
)

var validShardTransitions = map[ShardProgressStatus][]ShardProgressStatus{
	ShardPending: {ShardRunning, ShardSkipped, ShardFailed},
	ShardRunning: {ShardCompleted, ShardFailed, ShardRunning}, // self-edge: checkpoint advance
}

// IsValidShardTransition reports whether from -> to is an edge of the ShardProgress
// state machine. Completed, Failed, and Skipped are terminal.
func IsValidShardTransition(from, to ShardProgressStatus) bool {
	if from == to && from == ShardRunning {
		return true
	}
	for _, candidate := range validShardTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ShardProgress tracks one (migration id, step id, shard id) triple. LastCheckpoint
// is an opaque, shard-local, restartable cursor into the source store — the engine
// never interprets its contents, only passes it back to the Store Driver Contract.
type ShardProgress struct {
	MigrationID    string              `json:"migration_id"`
	StepID         string              `json:"step_id"`
	ShardID        string              `json:"shard_id"`
	Status         ShardProgressStatus `json:"status"`
	ItemsProcessed int64               `json:"items_processed"`
	TotalItems     *int64              `json:"total_items,omitempty"`
	LastCheckpoint string              `json:"last_checkpoint,omitempty"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	EndedAt        *time.Time          `json:"ended_at,omitempty"`
	Error          string              `json:"error,omitempty"`
	SnapshotRef    string              `json:"snapshot_ref,omitempty"` // pre-step backup identifier for compensation
	Version        int64               `json:"version"`

	// FencingToken is the lease token the writing Executor held when it began
	// the step (§4.10). Zero means the write carries no lease to fence on,
	// which the Status Store treats as unchecked rather than stale.
	FencingToken int64 `json:"fencing_token,omitempty"`
}

// Key identifies this progress record uniquely across the Status Store.
func (p *ShardProgress) Key() string {
	return p.MigrationID + "/" + p.StepID + "/" + p.ShardID
}

// AdvanceCheckpoint records a durably-applied batch. items_processed only ever
// increases — callers must not call this with a smaller delta after a crash/resume;
// the Executor re-derives next_cursor from the source so duplicate batches apply delta 0.
func (p *ShardProgress) AdvanceCheckpoint(cursor string, delta int64) {
	if delta < 0 {
		return
	}
	p.LastCheckpoint = cursor
	p.ItemsProcessed += delta
	p.Version++
}
