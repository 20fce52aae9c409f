// Package memory implements the Status Store and Plan Store contracts entirely
// in process memory, for tests and the "status_store.backend: memory" config
// option. It never survives a process restart — crash-resume is exercised
// against the relational implementation in adapter/statusstore/sql.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/domain/repository"
	"github.com/shardmig/migrator/pkg/migration/support/util/exception"
)

const component = "statusstore.memory"

// Store is an in-memory repository.StatusStore.
type Store struct {
	mu          sync.RWMutex
	migrations  map[string]*model.Migration
	progress    map[string]*model.ShardProgress // keyed by ShardProgress.Key()
	events      []*model.Event
	eventsByID  map[string]*model.Event
	locks       map[string]*model.Lock
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		migrations: make(map[string]*model.Migration),
		progress:   make(map[string]*model.ShardProgress),
		eventsByID: make(map[string]*model.Event),
		locks:      make(map[string]*model.Lock),
	}
}

func (s *Store) CreateMigration(ctx context.Context, m *model.Migration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.migrations[m.ID]; exists {
		return exception.New(component, "migration "+m.ID+" already exists", nil, exception.ClassLogical)
	}
	clone := *m
	s.migrations[m.ID] = &clone
	return nil
}

func (s *Store) GetMigration(ctx context.Context, id string) (*model.Migration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.migrations[id]
	if !ok {
		return nil, exception.New(component, "migration "+id+" not found", nil, exception.ClassLogical)
	}
	clone := *m
	return &clone, nil
}

func (s *Store) CASMigrationState(ctx context.Context, expected, next *model.Migration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.migrations[expected.ID]
	if !ok {
		return exception.New(component, "migration "+expected.ID+" not found", nil, exception.ClassLogical)
	}
	if current.Version != expected.Version {
		return exception.NewOptimisticLockFailure(component, "migration "+expected.ID+" version mismatch", nil)
	}
	clone := *next
	s.migrations[expected.ID] = &clone
	return nil
}

func (s *Store) ListMigrations(ctx context.Context, statusFilter []model.MigrationStatus) ([]*model.Migration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := make(map[model.MigrationStatus]bool, len(statusFilter))
	for _, st := range statusFilter {
		allowed[st] = true
	}
	var out []*model.Migration
	for _, m := range s.migrations {
		if len(allowed) > 0 && !allowed[m.Status] {
			continue
		}
		clone := *m
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertProgress additionally rejects a write bearing a fencing token staler
// than the resource's current lock (§4.10) — a write from a coordinator that
// lost its lease to a takeover while the write was in flight. A zero
// FencingToken skips the check: callers outside the fenced step-write path
// (tests, administrative tooling) don't carry a lease to present one.
func (s *Store) UpsertProgress(ctx context.Context, p *model.ShardProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.Key()
	if existing, ok := s.progress[key]; ok && existing.Version != p.Version-1 && p.Version != 0 {
		return exception.NewOptimisticLockFailure(component, "progress "+key+" version mismatch", nil)
	}
	if p.FencingToken != 0 {
		if lock, ok := s.locks[model.ShardResource(p.ShardID)]; ok && p.FencingToken < lock.FencingToken {
			return exception.New(component, fmt.Sprintf("stale fencing token %d for progress %q, current token is %d", p.FencingToken, key, lock.FencingToken), model.ErrStaleFencingToken, exception.ClassContention)
		}
	}
	clone := *p
	s.progress[key] = &clone
	return nil
}

func (s *Store) GetProgress(ctx context.Context, migrationID, stepID, shardID string) (*model.ShardProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := migrationID + "/" + stepID + "/" + shardID
	p, ok := s.progress[key]
	if !ok {
		return nil, exception.New(component, "progress "+key+" not found", nil, exception.ClassLogical)
	}
	clone := *p
	return &clone, nil
}

func (s *Store) ListProgress(ctx context.Context, migrationID string) ([]*model.ShardProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ShardProgress
	for _, p := range s.progress {
		if p.MigrationID == migrationID {
			clone := *p
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *e
	s.events = append(s.events, &clone)
	s.eventsByID[e.ID] = &clone
	return nil
}

func (s *Store) ListUnpublishedEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Event
	for _, e := range s.events {
		if e.Published {
			continue
		}
		clone := *e
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkEventPublished(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.eventsByID[eventID]
	if !ok {
		return exception.New(component, "event "+eventID+" not found", nil, exception.ClassLogical)
	}
	e.Published = true
	for _, stored := range s.events {
		if stored.ID == eventID {
			stored.Published = true
		}
	}
	return nil
}

func (s *Store) AcquireLock(ctx context.Context, l *model.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.locks[l.Resource]
	if ok && !existing.IsExpired(time.Now()) && existing.HolderID != l.HolderID {
		return model.ErrLockBusy
	}
	if ok {
		l.FencingToken = existing.FencingToken + 1
	} else {
		l.FencingToken = 1
	}
	clone := *l
	s.locks[l.Resource] = &clone
	return nil
}

func (s *Store) RenewLock(ctx context.Context, resource, holderID string, newExpiry int64) (*model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[resource]
	if !ok || l.HolderID != holderID {
		return nil, model.ErrLockUnavailable
	}
	l.ExpiresAt = time.Unix(newExpiry, 0)
	l.FencingToken++
	l.Version++
	clone := *l
	return &clone, nil
}

func (s *Store) ReleaseLock(ctx context.Context, resource, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[resource]
	if !ok || l.HolderID != holderID {
		return nil
	}
	delete(s.locks, resource)
	return nil
}

func (s *Store) GetLock(ctx context.Context, resource string) (*model.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[resource]
	if !ok {
		return nil, nil
	}
	clone := *l
	return &clone, nil
}

func (s *Store) ListLocks(ctx context.Context) ([]*model.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Lock
	for _, l := range s.locks {
		clone := *l
		out = append(out, &clone)
	}
	return out, nil
}

var _ repository.StatusStore = (*Store)(nil)
