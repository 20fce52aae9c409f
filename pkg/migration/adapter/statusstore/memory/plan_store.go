package memory

import (
	"sync"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/domain/repository"
)

// PlanStore is an in-memory repository.PlanStore.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]model.Plan
}

// NewPlanStore creates an empty in-memory PlanStore.
func NewPlanStore() *PlanStore {
	return &PlanStore{plans: make(map[string]model.Plan)}
}

func (s *PlanStore) Put(migrationID string, plan model.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[migrationID] = plan
	return nil
}

func (s *PlanStore) Get(migrationID string) (model.Plan, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[migrationID]
	return p, ok, nil
}

var _ repository.PlanStore = (*PlanStore)(nil)
