// Package kafka implements the Event Bus Adapter contract (§4.9) over Apache
// Kafka via Sarama, the "broker_a" backend selected by event_bus.kind.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
	"github.com/shardmig/migrator/pkg/migration/support/util/logger"
)

const component = "eventbus.kafka"

// wireCommand is the JSON envelope a Command is marshaled/unmarshaled through
// on the wire; ports.Command itself carries no wire tags.
type wireCommand struct {
	Kind        ports.CommandKind       `json:"kind"`
	Request     *model.MigrationRequest `json:"request,omitempty"`
	MigrationID string                  `json:"migration_id,omitempty"`
}

// Bus is a Sarama-backed ports.EventBus. Events are published keyed by
// MigrationID so a broker's partition assignment preserves per-migration
// ordering; commands are consumed via a consumer group so redelivery on
// handler error or restart gives the at-least-once guarantee §4.9 requires.
type Bus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	topic         string
	groupID       string
}

// New connects a Bus to the brokers named in cfg, for the configured topic.
func New(cfg config.EventBusConfig, groupID string) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%s: no brokers configured", component)
	}
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 5
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("%s: creating producer: %w", component, err)
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, saramaCfg)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("%s: creating consumer group: %w", component, err)
	}
	return &Bus{producer: producer, consumerGroup: group, topic: cfg.Topic, groupID: groupID}, nil
}

func (b *Bus) Publish(ctx context.Context, e *model.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%s: encoding event %q: %w", component, e.ID, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(e.MigrationID),
		Value: sarama.ByteEncoder(body),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("%s: publishing event %q: %w", component, e.ID, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, handler func(context.Context, ports.Command) error) error {
	h := &groupHandler{handler: handler}
	for {
		if err := b.consumerGroup.Consume(ctx, []string{b.topic}, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warnf("%s: consumer group session error: %v", component, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (b *Bus) Close() error {
	var err error
	if cErr := b.consumerGroup.Close(); cErr != nil {
		err = cErr
	}
	if pErr := b.producer.Close(); pErr != nil && err == nil {
		err = pErr
	}
	return err
}

type groupHandler struct {
	handler func(context.Context, ports.Command) error
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var wire wireCommand
		if err := json.Unmarshal(msg.Value, &wire); err != nil {
			logger.Errorf("%s: decoding command: %v", component, err)
			session.MarkMessage(msg, "")
			continue
		}
		cmd := ports.Command{Kind: wire.Kind, Request: wire.Request, MigrationID: wire.MigrationID}
		if err := h.handler(session.Context(), cmd); err != nil {
			logger.Warnf("%s: handler error, leaving message unacked for redelivery: %v", component, err)
			return nil
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

var _ ports.EventBus = (*Bus)(nil)
