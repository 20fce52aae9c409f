package model

import "time"

// EventKind enumerates the append-only audit/progress-replay record kinds (§3).
type EventKind string

const (
	EventCreated           EventKind = "created"
	EventStarted            EventKind = "started"
	EventStepStarted        EventKind = "step_started"
	EventProgress           EventKind = "progress"
	EventStepCompleted      EventKind = "step_completed"
	EventStepFailed         EventKind = "step_failed"
	EventValidationFailed   EventKind = "validation_failed"
	EventFailed             EventKind = "failed"
	EventRolledBack         EventKind = "rolled_back"
	EventCompleted          EventKind = "completed"
	EventCancelled          EventKind = "cancelled"
)

// Event is an append-only record for audit and progress replay. Dedup key for
// at-least-once delivery over the Event Bus Adapter is ID.
type Event struct {
	ID          string      `json:"id"`
	MigrationID string      `json:"migration_id"`
	Kind        EventKind   `json:"kind"`
	Timestamp   time.Time   `json:"timestamp"`
	Payload     interface{} `json:"payload,omitempty"`
	Published   bool        `json:"published"`
}
