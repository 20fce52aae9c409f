// Package nats implements the Event Bus Adapter contract (§4.9) over NATS via
// nats.go, the "broker_b" backend selected by event_bus.kind. It uses a
// durable JetStream pull consumer so a handler error or adapter restart
// redelivers the message — NATS core pub/sub alone has no such guarantee.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
	"github.com/shardmig/migrator/pkg/migration/support/util/logger"
)

const component = "eventbus.nats"

type wireCommand struct {
	Kind        ports.CommandKind       `json:"kind"`
	Request     *model.MigrationRequest `json:"request,omitempty"`
	MigrationID string                  `json:"migration_id,omitempty"`
}

// Bus is a nats.go-backed ports.EventBus.
type Bus struct {
	conn      *nats.Conn
	js        nats.JetStreamContext
	subject   string
	streamSub string
	durable   string
}

// New connects a Bus to the server named by cfg.NATSURL, ensuring a durable
// JetStream stream/consumer exists for cfg.Subject.
func New(cfg config.EventBusConfig, durableName string) (*Bus, error) {
	url := cfg.NATSURL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("%s: connecting to %s: %w", component, url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: acquiring JetStream context: %w", component, err)
	}
	streamName := "MIGRATOR_EVENTS"
	if _, err := js.StreamInfo(streamName); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{cfg.Subject},
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: creating stream %q: %w", component, streamName, err)
		}
	}
	return &Bus{conn: conn, js: js, subject: cfg.Subject, streamSub: streamName, durable: durableName}, nil
}

func (b *Bus) Publish(ctx context.Context, e *model.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%s: encoding event %q: %w", component, e.ID, err)
	}
	msg := nats.NewMsg(b.subject)
	msg.Header.Set("Nats-Msg-Id", e.ID) // JetStream dedups on this header within its window
	msg.Data = body
	if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%s: publishing event %q: %w", component, e.ID, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, handler func(context.Context, ports.Command) error) error {
	sub, err := b.js.PullSubscribe(b.subject, b.durable)
	if err != nil {
		return fmt.Errorf("%s: creating pull subscription: %w", component, err)
	}
	defer sub.Unsubscribe()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := sub.Fetch(10, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			return fmt.Errorf("%s: fetching messages: %w", component, err)
		}
		for _, msg := range msgs {
			var wire wireCommand
			if err := json.Unmarshal(msg.Data, &wire); err != nil {
				logger.Errorf("%s: decoding command: %v", component, err)
				msg.Ack()
				continue
			}
			cmd := ports.Command{Kind: wire.Kind, Request: wire.Request, MigrationID: wire.MigrationID}
			if err := handler(ctx, cmd); err != nil {
				logger.Warnf("%s: handler error, nacking for redelivery: %v", component, err)
				msg.Nak()
				continue
			}
			msg.Ack()
		}
	}
}

func (b *Bus) Close() error {
	b.conn.Close()
	return nil
}

var _ ports.EventBus = (*Bus)(nil)
