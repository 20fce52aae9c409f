// Package model holds the data types shared across the migration coordination engine:
// requests, plans, the live execution record, per-shard progress, locks, and events.
package model

import "time"

// StoreClass names one of the two backing-store families the engine coordinates.
type StoreClass string

const (
	StoreClassDocument   StoreClass = "document"
	StoreClassRelational StoreClass = "relational"
)

// StepKind distinguishes a schema change from a data transformation.
type StepKind string

const (
	StepKindSchema StepKind = "schema"
	StepKindData   StepKind = "data"
)

// StepScope says whether a requested step targets one shard or expands to all of them.
type StepScope string

const (
	ScopeSingleShard StepScope = "single-shard"
	ScopeAllShards   StepScope = "all-shards"
)

// RequestStep is one caller-declared unit of work inside a MigrationRequest, prior
// to shard expansion by the Planner.
type RequestStep struct {
	ID         string    `json:"id" yaml:"id"`
	Kind       StepKind  `json:"kind" yaml:"kind"`
	Scope      StepScope `json:"scope" yaml:"scope"`
	ShardKey   string    `json:"shard_key,omitempty" yaml:"shard_key,omitempty"`
	PayloadRef string    `json:"payload_ref" yaml:"payload_ref"`
	DependsOn  []string  `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Transforms []string  `json:"transforms,omitempty" yaml:"transforms,omitempty"`
}

// MigrationRequest is the caller-supplied unit of work. Immutable once admitted by
// the Planner — nothing in the engine mutates a RequestStep or its parent request
// after a Plan has been materialized from it.
type MigrationRequest struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	StoreClass      StoreClass    `json:"store_class"`
	Steps           []RequestStep `json:"steps"`
	DependsOnReqIDs []string      `json:"depends_on,omitempty"`
	ConcurrencyHint int           `json:"concurrency_hint,omitempty"`
	IdempotencyKey  string        `json:"idempotency_key"`
	RollbackPolicy  string        `json:"rollback_policy,omitempty"` // "compensate" | "halt"
	CreatedAt       time.Time     `json:"created_at"`
}
