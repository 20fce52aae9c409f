// Package planner turns a caller-supplied MigrationRequest into a materialized
// Plan: single-shard steps expanded to one step per shard, dependencies
// resolved, a topological stage leveling computed, and a content digest taken
// so a resumed migration can detect that its plan no longer matches the
// current request (§4.3).
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
)

// Planner materializes Plans from MigrationRequests.
type Planner struct {
	topology ports.Topology
}

// New creates a Planner bound to a Topology snapshot source.
func New(topology ports.Topology) *Planner {
	return &Planner{topology: topology}
}

// Plan expands req into a materialized Plan. All-shards steps become one Step
// per shard currently known to the Topology; single-shard steps route their
// ShardKey through Topology.Route. A schema step implicitly precedes any data
// step — from any RequestStep, not only its own — that targets the same
// PayloadRef on the same shard: the Planner adds that edge even when the
// caller didn't declare it, matching the §4.5 "writes a schema object the
// other reads" staging rule.
func (p *Planner) Plan(req model.MigrationRequest) (model.Plan, error) {
	var steps []model.Step
	// requestStepToStepIDs maps a RequestStep.ID to the Step IDs it expanded into,
	// so dependency edges declared against RequestStep IDs resolve to every
	// concrete shard-step produced from the referenced step.
	requestStepToStepIDs := make(map[string][]string)
	shardStepByRequestAndShard := make(map[string]string) // requestStepID|shardID -> stepID

	for _, rs := range req.Steps {
		shardIDs, err := p.resolveShards(rs, req.StoreClass)
		if err != nil {
			return model.Plan{}, fmt.Errorf("planner: resolving shards for request step %q: %w", rs.ID, err)
		}
		for _, shardID := range shardIDs {
			stepID := fmt.Sprintf("%s:%s", rs.ID, shardID)
			steps = append(steps, model.Step{
				ID:            stepID,
				RequestStepID: rs.ID,
				Kind:          rs.Kind,
				ShardID:       shardID,
				PayloadRef:    rs.PayloadRef,
			})
			requestStepToStepIDs[rs.ID] = append(requestStepToStepIDs[rs.ID], stepID)
			shardStepByRequestAndShard[rs.ID+"|"+shardID] = stepID
		}
	}

	// schemaStepByPayloadAndShard indexes schema steps by the object they write,
	// regardless of which RequestStep produced them, so a data step from a
	// different RequestStep that reads the same PayloadRef on the same shard
	// can find the schema step it implicitly depends on.
	schemaStepByPayloadAndShard := make(map[string]string) // payloadRef|shardID -> schema stepID
	for _, s := range steps {
		if s.Kind == model.StepKindSchema {
			schemaStepByPayloadAndShard[s.PayloadRef+"|"+s.ShardID] = s.ID
		}
	}

	// Resolve declared DependsOn (against RequestStep IDs) into per-step edges,
	// preferring the same-shard counterpart when the dependency also expanded
	// per-shard, and falling back to depending on all of its expanded steps.
	byID := make(map[string]int, len(steps))
	for i, s := range steps {
		byID[s.ID] = i
	}
	rsByID := make(map[string]model.RequestStep, len(req.Steps))
	for _, rs := range req.Steps {
		rsByID[rs.ID] = rs
	}
	for i := range steps {
		s := &steps[i]
		rs := rsByID[s.RequestStepID]
		for _, depReqStepID := range rs.DependsOn {
			if depStepID, ok := shardStepByRequestAndShard[depReqStepID+"|"+s.ShardID]; ok {
				s.DependsOn = append(s.DependsOn, depStepID)
				continue
			}
			s.DependsOn = append(s.DependsOn, requestStepToStepIDs[depReqStepID]...)
		}
		// Implicit schema-before-data edge: a data step depends on whichever
		// schema step writes the PayloadRef it reads on the same shard, even
		// when that schema step came from an unrelated RequestStep.
		if s.Kind == model.StepKindData {
			if schemaStepID, ok := schemaStepByPayloadAndShard[s.PayloadRef+"|"+s.ShardID]; ok && !containsID(s.DependsOn, schemaStepID) {
				s.DependsOn = append(s.DependsOn, schemaStepID)
			}
		}
	}

	stages, err := levelize(steps)
	if err != nil {
		return model.Plan{}, err
	}

	for i := range steps {
		for level, ids := range stages {
			if containsID(ids, steps[i].ID) {
				steps[i].StageLevel = level
				break
			}
		}
	}

	digest, err := digestOf(req, steps)
	if err != nil {
		return model.Plan{}, fmt.Errorf("planner: computing plan digest: %w", err)
	}

	return model.Plan{
		RequestID:       req.ID,
		TopologyVersion: p.topology.Version(),
		Steps:           steps,
		Stages:          stages,
		Digest:          digest,
	}, nil
}

func (p *Planner) resolveShards(rs model.RequestStep, class model.StoreClass) ([]string, error) {
	if rs.Scope == model.ScopeAllShards {
		shards := p.topology.ShardsOf(class)
		if len(shards) == 0 {
			return nil, fmt.Errorf("no shards known for store class %q", class)
		}
		return shards, nil
	}
	shardID, err := p.topology.Route(rs.ShardKey, class)
	if err != nil {
		return nil, err
	}
	return []string{shardID}, nil
}

// levelize topologically sorts steps into dependency-free stages (Kahn's
// algorithm), returning model.ErrPlanCycle if the dependency graph is not a DAG.
func levelize(steps []model.Step) ([][]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	exists := make(map[string]bool, len(steps))
	for _, s := range steps {
		exists[s.ID] = true
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !exists[dep] {
				continue
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var stages [][]string
	remaining := len(steps)
	var frontier []string
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			frontier = append(frontier, s.ID)
		}
	}
	sort.Strings(frontier)

	for len(frontier) > 0 {
		stages = append(stages, frontier)
		remaining -= len(frontier)
		var next []string
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	if remaining > 0 {
		return nil, model.ErrPlanCycle
	}
	return stages, nil
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func digestOf(req model.MigrationRequest, steps []model.Step) (string, error) {
	payload := struct {
		RequestID string       `json:"request_id"`
		Steps     []model.Step `json:"steps"`
	}{RequestID: req.ID, Steps: steps}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
