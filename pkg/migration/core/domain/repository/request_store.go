package repository

import "github.com/shardmig/migrator/pkg/migration/core/domain/model"

// RequestStore persists the original MigrationRequest a Migration was admitted
// from, so the Orchestrator can resolve per-step transform chains without
// widening the materialized Plan's Step type with request-only fields.
type RequestStore interface {
	Put(migrationID string, req model.MigrationRequest) error
	Get(migrationID string) (model.MigrationRequest, bool, error)
}
