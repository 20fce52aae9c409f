package ports

import (
	"context"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
)

// CommandKind distinguishes the two inbound command messages the Event Bus Adapter consumes.
type CommandKind string

const (
	CommandMigrationRequest CommandKind = "migration.request"
	CommandMigrationCancel  CommandKind = "migration.cancel"
)

// Command is one inbound message decoded off the bus.
type Command struct {
	Kind        CommandKind
	Request     *model.MigrationRequest // set when Kind == CommandMigrationRequest
	MigrationID string                   // set when Kind == CommandMigrationCancel
}

// EventBus publishes lifecycle events at-least-once and consumes the two command
// kinds (§4.9). It is a thin shim over one of two interchangeable wire back-ends;
// callers never see sarama or nats.go types.
type EventBus interface {
	// Publish delivers one Event. The Kafka adapter keys the message by
	// MigrationID; the NATS adapter publishes every event on one subject. Either
	// way per-migration ordering is preserved by the broker.
	Publish(ctx context.Context, e *model.Event) error

	// Subscribe registers handler for inbound commands and runs until ctx is done.
	// Implementations must ack only after handler returns nil, and redeliver
	// (at-least-once) on handler error or adapter restart.
	Subscribe(ctx context.Context, handler func(context.Context, Command) error) error

	// Close releases the underlying connection.
	Close() error
}
