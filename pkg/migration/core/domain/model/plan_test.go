package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
)

func TestStepByIDFindsExistingStep(t *testing.T) {
	p := &model.Plan{Steps: []model.Step{{ID: "s1"}, {ID: "s2"}}}
	step, ok := p.StepByID("s2")
	assert.True(t, ok)
	assert.Equal(t, "s2", step.ID)
}

func TestStepByIDReportsMissingStep(t *testing.T) {
	p := &model.Plan{Steps: []model.Step{{ID: "s1"}}}
	_, ok := p.StepByID("ghost")
	assert.False(t, ok)
}

func TestTotalShardStepsCountsOnlyDataSteps(t *testing.T) {
	p := &model.Plan{Steps: []model.Step{
		{ID: "ddl-sh0", Kind: model.StepKindSchema},
		{ID: "copy-sh0", Kind: model.StepKindData},
		{ID: "copy-sh1", Kind: model.StepKindData},
	}}
	assert.Equal(t, 2, p.TotalShardSteps())
}
