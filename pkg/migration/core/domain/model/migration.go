package model

import "time"

// MigrationStatus is a state in the Migration state machine (§4.6).
type MigrationStatus string

const (
	MigrationCreated     MigrationStatus = "created"
	MigrationPlanning     MigrationStatus = "planning"
	MigrationPending      MigrationStatus = "pending"
	MigrationRunning      MigrationStatus = "running"
	MigrationValidating   MigrationStatus = "validating"
	MigrationCompleted    MigrationStatus = "completed"
	MigrationFailing      MigrationStatus = "failing"
	MigrationRollingBack  MigrationStatus = "rolling_back"
	MigrationRolledBack   MigrationStatus = "rolled_back"
	MigrationCancelling   MigrationStatus = "cancelling"
	MigrationCancelled    MigrationStatus = "cancelled"
	MigrationFailed       MigrationStatus = "failed"
)

// IsTerminal reports whether status has no outgoing transition.
func (s MigrationStatus) IsTerminal() bool {
	switch s {
	case MigrationCompleted, MigrationRolledBack, MigrationCancelled, MigrationFailed:
		return true
	default:
		return false
	}
}

// validMigrationTransitions enumerates every allowed edge of the Migration state
// machine. Kept as an explicit table — not inferred from enum ordinals — so that an
// invalid transition is a visible bug, not a silent fall-through.
var validMigrationTransitions = map[MigrationStatus][]MigrationStatus{
	MigrationCreated:    {MigrationPlanning, MigrationCancelled, MigrationFailed, MigrationCancelling},
	MigrationPlanning:   {MigrationPending, MigrationFailed, MigrationCancelled, MigrationCancelling},
	MigrationPending:    {MigrationRunning, MigrationFailed, MigrationCancelling},
	MigrationRunning:    {MigrationValidating, MigrationFailing, MigrationCancelling},
	MigrationValidating: {MigrationCompleted, MigrationFailing, MigrationCancelling},
	MigrationFailing:    {MigrationRollingBack, MigrationFailed, MigrationCancelling},
	MigrationRollingBack: {MigrationRolledBack, MigrationFailed, MigrationCancelling},
	MigrationCancelling: {MigrationCancelled, MigrationFailed},
}

// IsValidMigrationTransition reports whether from -> to is an edge of the state machine.
func IsValidMigrationTransition(from, to MigrationStatus) bool {
	for _, candidate := range validMigrationTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Migration is the live execution record for one admitted MigrationRequest.
// Mutated exclusively through the Status Store's CAS operations; Version is the
// optimistic-concurrency field incremented on every accepted write.
type Migration struct {
	ID                 string          `json:"id"`
	RequestID          string          `json:"request_id"`
	PlanDigest         string          `json:"plan_digest"`
	Status             MigrationStatus `json:"status"`
	Stage              int             `json:"stage"`
	CreatedAt          time.Time       `json:"created_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	EndedAt            *time.Time      `json:"ended_at,omitempty"`
	ItemsProcessed     int64           `json:"items_processed"`
	ShardStepsTotal     int             `json:"shard_steps_total"`
	ShardStepsCompleted int             `json:"shard_steps_completed"`
	Outcome            string          `json:"outcome,omitempty"`
	LastError          string          `json:"last_error,omitempty"`
	UnrecoverableSteps []string        `json:"unrecoverable_steps,omitempty"`
	RollbackPolicy     string          `json:"rollback_policy"`
	OwnerToken         string          `json:"owner_token"`
	TopologyVersion    int64           `json:"topology_version"`
	Version            int64           `json:"version"`
}

// NewMigration creates a Migration in the created state for the given request.
func NewMigration(id, requestID, rollbackPolicy string) *Migration {
	return &Migration{
		ID:             id,
		RequestID:      requestID,
		Status:         MigrationCreated,
		CreatedAt:      time.Now(),
		RollbackPolicy: rollbackPolicy,
	}
}

// Transition moves the Migration to newStatus if the edge is valid, bumping Version.
// Returns false without mutating if the transition is not allowed.
func (m *Migration) Transition(newStatus MigrationStatus) bool {
	if !IsValidMigrationTransition(m.Status, newStatus) {
		return false
	}
	m.Status = newStatus
	m.Version++
	now := time.Now()
	switch newStatus {
	case MigrationRunning:
		if m.StartedAt == nil {
			m.StartedAt = &now
		}
	case MigrationCompleted, MigrationRolledBack, MigrationCancelled, MigrationFailed:
		m.EndedAt = &now
	}
	return true
}
