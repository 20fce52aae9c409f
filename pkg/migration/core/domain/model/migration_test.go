package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
)

func TestNewMigrationStartsInCreatedState(t *testing.T) {
	m := model.NewMigration("m1", "req-1", "compensate")
	assert.Equal(t, model.MigrationCreated, m.Status)
	assert.Equal(t, int64(0), m.Version)
	assert.Nil(t, m.StartedAt)
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	m := model.NewMigration("m1", "req-1", "compensate")
	ok := m.Transition(model.MigrationCompleted)
	assert.False(t, ok)
	assert.Equal(t, model.MigrationCreated, m.Status)
	assert.Equal(t, int64(0), m.Version)
}

func TestTransitionToRunningSetsStartedAtOnce(t *testing.T) {
	m := model.NewMigration("m1", "req-1", "compensate")
	a := assert.New(t)
	a.True(m.Transition(model.MigrationPlanning))
	a.True(m.Transition(model.MigrationPending))
	a.True(m.Transition(model.MigrationRunning))
	started := m.StartedAt
	a.NotNil(started)
	assert.Equal(t, int64(3), m.Version)

	// Running has no edge back into itself, so a second Transition(Running) is
	// rejected and StartedAt keeps its first value.
	a.False(m.Transition(model.MigrationRunning))
	assert.Same(t, started, m.StartedAt)
}

func TestTransitionToTerminalStatusSetsEndedAt(t *testing.T) {
	m := model.NewMigration("m1", "req-1", "compensate")
	m.Transition(model.MigrationPlanning)
	m.Transition(model.MigrationCancelling)
	ok := m.Transition(model.MigrationCancelled)
	assert.True(t, ok)
	assert.NotNil(t, m.EndedAt)
	assert.True(t, model.MigrationCancelled.IsTerminal())
}

func TestIsTerminalCoversOnlyTerminalStatuses(t *testing.T) {
	terminal := []model.MigrationStatus{model.MigrationCompleted, model.MigrationRolledBack, model.MigrationCancelled, model.MigrationFailed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %q to be terminal", s)
	}
	nonTerminal := []model.MigrationStatus{model.MigrationCreated, model.MigrationPlanning, model.MigrationPending, model.MigrationRunning, model.MigrationValidating, model.MigrationFailing, model.MigrationRollingBack, model.MigrationCancelling}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "expected %q not to be terminal", s)
	}
}

func TestIsValidMigrationTransitionCoversFullStateMachine(t *testing.T) {
	assert.True(t, model.IsValidMigrationTransition(model.MigrationRunning, model.MigrationFailing))
	assert.True(t, model.IsValidMigrationTransition(model.MigrationFailing, model.MigrationRollingBack))
	assert.False(t, model.IsValidMigrationTransition(model.MigrationCompleted, model.MigrationRunning))
}
