package kafka_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shardmig/migrator/pkg/migration/adapter/eventbus/kafka"
	"github.com/shardmig/migrator/pkg/migration/core/config"
)

func TestNewRejectsConfigurationWithoutBrokers(t *testing.T) {
	_, err := kafka.New(config.EventBusConfig{Topic: "migration-events"}, "migratord")
	assert.Error(t, err)
}
