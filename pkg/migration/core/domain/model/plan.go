package model

// Step is one node of a materialized Plan: a schema or data operation pinned to a
// single shard, with its dependencies and the stage level a topological sort assigned it.
type Step struct {
	ID             string   `json:"id"`
	RequestStepID  string   `json:"request_step_id"`
	Kind           StepKind `json:"kind"`
	ShardID        string   `json:"shard_id"`
	PayloadRef     string   `json:"payload_ref"`
	DependsOn      []string `json:"depends_on,omitempty"`
	StageLevel     int      `json:"stage_level"`
	EstimatedItems int64    `json:"estimated_items,omitempty"`
}

// Plan is a DAG of Steps derived from a MigrationRequest plus the Topology snapshot
// active at planning time. Stages group steps with no internal dependency, in
// topological order; steps within a stage are parallel-eligible.
type Plan struct {
	RequestID       string   `json:"request_id"`
	TopologyVersion int64    `json:"topology_version"`
	Steps           []Step   `json:"steps"`
	Stages          [][]string `json:"stages"` // stage[i] is a list of step ids
	Digest          string   `json:"digest"`
}

// StepByID returns the step with the given id, or ok=false if absent.
func (p *Plan) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// TotalShardSteps counts data steps in the plan, used by the Orchestrator to size
// its completion bookkeeping.
func (p *Plan) TotalShardSteps() int {
	n := 0
	for _, s := range p.Steps {
		if s.Kind == StepKindData {
			n++
		}
	}
	return n
}
