package memory

import (
	"sync"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/domain/repository"
)

// RequestStore is an in-memory repository.RequestStore.
type RequestStore struct {
	mu       sync.RWMutex
	requests map[string]model.MigrationRequest
}

// NewRequestStore creates an empty in-memory RequestStore.
func NewRequestStore() *RequestStore {
	return &RequestStore{requests: make(map[string]model.MigrationRequest)}
}

func (s *RequestStore) Put(migrationID string, req model.MigrationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[migrationID] = req
	return nil
}

func (s *RequestStore) Get(migrationID string) (model.MigrationRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[migrationID]
	return r, ok, nil
}

var _ repository.RequestStore = (*RequestStore)(nil)
