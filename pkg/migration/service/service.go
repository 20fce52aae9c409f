// Package service exposes the engine's in-process control surface (§6):
// create, start, cancel, get, and list operations over the Orchestrator and
// Status Store. It is the thin control-plane seam an admin HTTP surface or an
// Event Bus command handler calls into — neither belongs to this module.
package service

import (
	"context"
	"fmt"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/domain/repository"
	"github.com/shardmig/migrator/pkg/migration/engine/orchestrator"
	"github.com/shardmig/migrator/pkg/migration/support/util/exception"
	"github.com/shardmig/migrator/pkg/migration/support/util/logger"
)

const component = "service"

// Service wraps Orchestrator admission/execution/cancellation and Status
// Store reads behind one narrow API.
type Service struct {
	orchestrator *orchestrator.Orchestrator
	store        repository.StatusStore
}

// New creates a Service.
func New(o *orchestrator.Orchestrator, store repository.StatusStore) *Service {
	return &Service{orchestrator: o, store: store}
}

// CreateMigration plans and admits req, returning the resulting Migration in
// the pending state. It does not start execution.
func (s *Service) CreateMigration(ctx context.Context, req model.MigrationRequest) (*model.Migration, error) {
	m, err := s.orchestrator.Admit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: admitting migration for request %q: %w", component, req.ID, err)
	}
	return m, nil
}

// StartMigration begins execution of an admitted Migration in the
// background and returns as soon as the run has been launched, the same
// fire-and-forget-with-async-runner shape the reference job launcher uses:
// the caller gets control back immediately and polls GetMigration for
// progress rather than blocking on the whole run. A failure surfaces through
// the Migration's own Status/LastError fields, not through this call's
// return value.
func (s *Service) StartMigration(ctx context.Context, migrationID string) {
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.orchestrator.Start(runCtx, migrationID); err != nil {
			logger.Errorf("%s: migration %q ended with error: %v", component, migrationID, exception.Message(err))
		}
	}()
}

// CancelMigration requests cooperative cancellation of a running Migration.
func (s *Service) CancelMigration(ctx context.Context, migrationID string) error {
	if err := s.orchestrator.Cancel(ctx, migrationID); err != nil {
		return fmt.Errorf("%s: cancelling migration %q: %w", component, migrationID, err)
	}
	return nil
}

// GetMigration loads one Migration by id.
func (s *Service) GetMigration(ctx context.Context, migrationID string) (*model.Migration, error) {
	m, err := s.store.GetMigration(ctx, migrationID)
	if err != nil {
		return nil, fmt.Errorf("%s: loading migration %q: %w", component, migrationID, err)
	}
	return m, nil
}

// ListMigrations lists Migrations, optionally filtered by status.
func (s *Service) ListMigrations(ctx context.Context, statusFilter []model.MigrationStatus) ([]*model.Migration, error) {
	migrations, err := s.store.ListMigrations(ctx, statusFilter)
	if err != nil {
		return nil, fmt.Errorf("%s: listing migrations: %w", component, err)
	}
	return migrations, nil
}
