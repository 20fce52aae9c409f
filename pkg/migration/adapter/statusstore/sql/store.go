// Package sql implements the Status Store contract (§4.8) over a relational
// database via GORM, the durable counterpart to adapter/statusstore/memory.
// CAS writes are guarded by the same optimistic concurrency rule the in-memory
// store enforces in a mutex: a CAS write only lands if the stored row's version
// still matches what the caller last read. Lock acquisition and renewal run
// their read-then-write inside one transaction.
package sql

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	gormmysql "gorm.io/driver/mysql"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/domain/repository"
	"github.com/shardmig/migrator/pkg/migration/support/util/exception"
)

const component = "statusstore.sql"

type migrationRow struct {
	ID                  string `gorm:"primaryKey;column:id"`
	RequestID           string `gorm:"column:request_id"`
	PlanDigest          string `gorm:"column:plan_digest"`
	Status              string `gorm:"column:status"`
	Stage               int    `gorm:"column:stage"`
	CreatedAt           time.Time
	StartedAt           *time.Time
	EndedAt             *time.Time
	ItemsProcessed      int64  `gorm:"column:items_processed"`
	ShardStepsTotal     int    `gorm:"column:shard_steps_total"`
	ShardStepsCompleted int    `gorm:"column:shard_steps_completed"`
	Outcome             string `gorm:"column:outcome"`
	LastError           string `gorm:"column:last_error"`
	UnrecoverableSteps  string `gorm:"column:unrecoverable_steps"` // json-encoded []string
	RollbackPolicy      string `gorm:"column:rollback_policy"`
	OwnerToken          string `gorm:"column:owner_token"`
	TopologyVersion     int64  `gorm:"column:topology_version"`
	Version             int64  `gorm:"column:version"`
}

func (migrationRow) TableName() string { return "engine_migrations" }

func (r *migrationRow) fromModel(m *model.Migration) error {
	steps, err := json.Marshal(m.UnrecoverableSteps)
	if err != nil {
		return err
	}
	*r = migrationRow{
		ID:                  m.ID,
		RequestID:           m.RequestID,
		PlanDigest:          m.PlanDigest,
		Status:              string(m.Status),
		Stage:               m.Stage,
		CreatedAt:           m.CreatedAt,
		StartedAt:           m.StartedAt,
		EndedAt:             m.EndedAt,
		ItemsProcessed:      m.ItemsProcessed,
		ShardStepsTotal:     m.ShardStepsTotal,
		ShardStepsCompleted: m.ShardStepsCompleted,
		Outcome:             m.Outcome,
		LastError:           m.LastError,
		UnrecoverableSteps:  string(steps),
		RollbackPolicy:      m.RollbackPolicy,
		OwnerToken:          m.OwnerToken,
		TopologyVersion:     m.TopologyVersion,
		Version:             m.Version,
	}
	return nil
}

func (r *migrationRow) toModel() (*model.Migration, error) {
	var steps []string
	if r.UnrecoverableSteps != "" {
		if err := json.Unmarshal([]byte(r.UnrecoverableSteps), &steps); err != nil {
			return nil, err
		}
	}
	return &model.Migration{
		ID:                  r.ID,
		RequestID:           r.RequestID,
		PlanDigest:          r.PlanDigest,
		Status:              model.MigrationStatus(r.Status),
		Stage:               r.Stage,
		CreatedAt:           r.CreatedAt,
		StartedAt:           r.StartedAt,
		EndedAt:             r.EndedAt,
		ItemsProcessed:      r.ItemsProcessed,
		ShardStepsTotal:     r.ShardStepsTotal,
		ShardStepsCompleted: r.ShardStepsCompleted,
		Outcome:             r.Outcome,
		LastError:           r.LastError,
		UnrecoverableSteps:  steps,
		RollbackPolicy:      r.RollbackPolicy,
		OwnerToken:          r.OwnerToken,
		TopologyVersion:     r.TopologyVersion,
		Version:             r.Version,
	}, nil
}

type progressRow struct {
	MigrationID    string `gorm:"primaryKey;column:migration_id"`
	StepID         string `gorm:"primaryKey;column:step_id"`
	ShardID        string `gorm:"primaryKey;column:shard_id"`
	Status         string `gorm:"column:status"`
	ItemsProcessed int64  `gorm:"column:items_processed"`
	TotalItems     *int64 `gorm:"column:total_items"`
	LastCheckpoint string `gorm:"column:last_checkpoint"`
	StartedAt      *time.Time
	EndedAt        *time.Time
	Error          string `gorm:"column:error"`
	SnapshotRef    string `gorm:"column:snapshot_ref"`
	Version        int64  `gorm:"column:version"`
	FencingToken   int64  `gorm:"column:fencing_token"`
}

func (progressRow) TableName() string { return "engine_shard_progress" }

func progressFromModel(p *model.ShardProgress) progressRow {
	return progressRow{
		MigrationID:    p.MigrationID,
		StepID:         p.StepID,
		ShardID:        p.ShardID,
		Status:         string(p.Status),
		ItemsProcessed: p.ItemsProcessed,
		TotalItems:     p.TotalItems,
		LastCheckpoint: p.LastCheckpoint,
		StartedAt:      p.StartedAt,
		EndedAt:        p.EndedAt,
		Error:          p.Error,
		SnapshotRef:    p.SnapshotRef,
		Version:        p.Version,
		FencingToken:   p.FencingToken,
	}
}

func (r progressRow) toModel() *model.ShardProgress {
	return &model.ShardProgress{
		MigrationID:    r.MigrationID,
		StepID:         r.StepID,
		ShardID:        r.ShardID,
		Status:         model.ShardProgressStatus(r.Status),
		ItemsProcessed: r.ItemsProcessed,
		TotalItems:     r.TotalItems,
		LastCheckpoint: r.LastCheckpoint,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
		Error:          r.Error,
		SnapshotRef:    r.SnapshotRef,
		Version:        r.Version,
		FencingToken:   r.FencingToken,
	}
}

type eventRow struct {
	ID          string `gorm:"primaryKey;column:id"`
	MigrationID string `gorm:"column:migration_id"`
	Kind        string `gorm:"column:kind"`
	Timestamp   time.Time
	Payload     string `gorm:"column:payload"` // json-encoded
	Published   bool   `gorm:"column:published"`
}

func (eventRow) TableName() string { return "engine_events" }

func eventFromModel(e *model.Event) (eventRow, error) {
	var payload string
	if e.Payload != nil {
		body, err := json.Marshal(e.Payload)
		if err != nil {
			return eventRow{}, err
		}
		payload = string(body)
	}
	return eventRow{
		ID:          e.ID,
		MigrationID: e.MigrationID,
		Kind:        string(e.Kind),
		Timestamp:   e.Timestamp,
		Payload:     payload,
		Published:   e.Published,
	}, nil
}

func (r eventRow) toModel() (*model.Event, error) {
	var payload interface{}
	if r.Payload != "" {
		if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
			return nil, err
		}
	}
	return &model.Event{
		ID:          r.ID,
		MigrationID: r.MigrationID,
		Kind:        model.EventKind(r.Kind),
		Timestamp:   r.Timestamp,
		Payload:     payload,
		Published:   r.Published,
	}, nil
}

type lockRow struct {
	Resource     string `gorm:"primaryKey;column:resource"`
	HolderID     string `gorm:"column:holder_migration_id"`
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	FencingToken int64 `gorm:"column:fencing_token"`
	Version      int64 `gorm:"column:version"`
}

func (lockRow) TableName() string { return "engine_locks" }

func lockFromModel(l *model.Lock) lockRow {
	return lockRow{
		Resource:     l.Resource,
		HolderID:     l.HolderID,
		AcquiredAt:   l.AcquiredAt,
		ExpiresAt:    l.ExpiresAt,
		FencingToken: l.FencingToken,
		Version:      l.Version,
	}
}

func (r lockRow) toModel() *model.Lock {
	return &model.Lock{
		Resource:     r.Resource,
		HolderID:     r.HolderID,
		AcquiredAt:   r.AcquiredAt,
		ExpiresAt:    r.ExpiresAt,
		FencingToken: r.FencingToken,
		Version:      r.Version,
	}
}

// Store is a GORM-backed repository.StatusStore.
type Store struct {
	db *gorm.DB
}

// Open creates (or connects to) the relational Status Store named by dialect
// and dsn, auto-migrating its tables. Mirrors the relational Store Driver's
// own dialector switch so both adapters stay in lockstep on supported
// backends.
func Open(dialect, dsn string) (*Store, error) {
	var dia gorm.Dialector
	switch dialect {
	case "mysql":
		dia = gormmysql.Open(dsn)
	case "postgres":
		dia = gormpostgres.Open(dsn)
	case "sqlite":
		dia = gormsqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%s: unsupported dialect %q", component, dialect)
	}
	db, err := gorm.Open(dia, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("%s: opening store: %w", component, err)
	}
	if err := db.AutoMigrate(&migrationRow{}, &progressRow{}, &eventRow{}, &lockRow{}); err != nil {
		return nil, fmt.Errorf("%s: migrating schema: %w", component, err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-opened *gorm.DB, for callers (and tests) that manage
// their own connection, e.g. via go-sqlmock.
func New(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) CreateMigration(ctx context.Context, m *model.Migration) error {
	var row migrationRow
	if err := row.fromModel(m); err != nil {
		return fmt.Errorf("%s: encoding migration %q: %w", component, m.ID, err)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return exception.New(component, fmt.Sprintf("creating migration %q", m.ID), err, exception.ClassLogical)
	}
	return nil
}

func (s *Store) GetMigration(ctx context.Context, id string) (*model.Migration, error) {
	var row migrationRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, exception.New(component, "migration "+id+" not found", nil, exception.ClassLogical)
		}
		return nil, fmt.Errorf("%s: loading migration %q: %w", component, id, err)
	}
	return row.toModel()
}

func (s *Store) CASMigrationState(ctx context.Context, expected, next *model.Migration) error {
	var row migrationRow
	if err := row.fromModel(next); err != nil {
		return fmt.Errorf("%s: encoding migration %q: %w", component, next.ID, err)
	}
	result := s.db.WithContext(ctx).
		Model(&migrationRow{}).
		Where("id = ? AND version = ?", expected.ID, expected.Version).
		Updates(&row)
	if result.Error != nil {
		return fmt.Errorf("%s: updating migration %q: %w", component, expected.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return exception.NewOptimisticLockFailure(component, "migration "+expected.ID+" version mismatch", nil)
	}
	return nil
}

func (s *Store) ListMigrations(ctx context.Context, statusFilter []model.MigrationStatus) ([]*model.Migration, error) {
	tx := s.db.WithContext(ctx).Order("created_at asc")
	if len(statusFilter) > 0 {
		statuses := make([]string, 0, len(statusFilter))
		for _, st := range statusFilter {
			statuses = append(statuses, string(st))
		}
		tx = tx.Where("status IN ?", statuses)
	}
	var rows []migrationRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%s: listing migrations: %w", component, err)
	}
	out := make([]*model.Migration, 0, len(rows))
	for _, row := range rows {
		m, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// UpsertProgress additionally rejects a write bearing a fencing token staler
// than the resource's current lock (§4.10) — a write from a coordinator that
// lost its lease to a takeover while the write was in flight. A zero
// FencingToken skips the check: callers outside the fenced step-write path
// (tests, administrative tooling) don't carry a lease to present one.
func (s *Store) UpsertProgress(ctx context.Context, p *model.ShardProgress) error {
	if p.FencingToken != 0 {
		lock, err := s.GetLock(ctx, model.ShardResource(p.ShardID))
		if err != nil {
			return fmt.Errorf("%s: checking fencing token for progress %q: %w", component, p.Key(), err)
		}
		if lock != nil && p.FencingToken < lock.FencingToken {
			return exception.New(component, fmt.Sprintf("stale fencing token %d for progress %q, current token is %d", p.FencingToken, p.Key(), lock.FencingToken), model.ErrStaleFencingToken, exception.ClassContention)
		}
	}
	row := progressFromModel(p)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "migration_id"}, {Name: "step_id"}, {Name: "shard_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "items_processed", "total_items", "last_checkpoint",
			"started_at", "ended_at", "error", "snapshot_ref", "version", "fencing_token",
		}),
	}).Create(&row).Error
	if err != nil {
		return exception.New(component, fmt.Sprintf("upserting progress %q", p.Key()), err, exception.ClassLogical)
	}
	return nil
}

func (s *Store) GetProgress(ctx context.Context, migrationID, stepID, shardID string) (*model.ShardProgress, error) {
	var row progressRow
	err := s.db.WithContext(ctx).First(&row, "migration_id = ? AND step_id = ? AND shard_id = ?", migrationID, stepID, shardID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, exception.New(component, "progress not found", nil, exception.ClassLogical)
		}
		return nil, fmt.Errorf("%s: loading progress: %w", component, err)
	}
	return row.toModel(), nil
}

func (s *Store) ListProgress(ctx context.Context, migrationID string) ([]*model.ShardProgress, error) {
	var rows []progressRow
	if err := s.db.WithContext(ctx).Where("migration_id = ?", migrationID).Order("step_id asc, shard_id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%s: listing progress for %q: %w", component, migrationID, err)
	}
	out := make([]*model.ShardProgress, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *model.Event) error {
	row, err := eventFromModel(e)
	if err != nil {
		return fmt.Errorf("%s: encoding event %q: %w", component, e.ID, err)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%s: appending event %q: %w", component, e.ID, err)
	}
	return nil
}

func (s *Store) ListUnpublishedEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	tx := s.db.WithContext(ctx).Where("published = ?", false).Order("timestamp asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var rows []eventRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%s: listing unpublished events: %w", component, err)
	}
	out := make([]*model.Event, 0, len(rows))
	for _, row := range rows {
		e, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) MarkEventPublished(ctx context.Context, eventID string) error {
	result := s.db.WithContext(ctx).Model(&eventRow{}).Where("id = ?", eventID).Update("published", true)
	if result.Error != nil {
		return fmt.Errorf("%s: marking event %q published: %w", component, eventID, result.Error)
	}
	if result.RowsAffected == 0 {
		return exception.New(component, "event "+eventID+" not found", nil, exception.ClassLogical)
	}
	return nil
}

func (s *Store) AcquireLock(ctx context.Context, l *model.Lock) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing lockRow
		err := tx.First(&existing, "resource = ?", l.Resource).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			l.FencingToken = 1
			return tx.Create(&lockRow{
				Resource: l.Resource, HolderID: l.HolderID, AcquiredAt: l.AcquiredAt,
				ExpiresAt: l.ExpiresAt, FencingToken: l.FencingToken, Version: l.Version,
			}).Error
		case err != nil:
			return fmt.Errorf("%s: reading lock %q: %w", component, l.Resource, err)
		}
		if !existing.toModel().IsExpired(l.AcquiredAt) && existing.HolderID != l.HolderID {
			return model.ErrLockBusy
		}
		// Takeover (prior holder expired, or the same holder re-acquiring): carry
		// the existing row's token forward so it strictly increases across the
		// resource's lifetime rather than resetting to 1.
		l.FencingToken = existing.FencingToken + 1
		row := lockRow{
			Resource: l.Resource, HolderID: l.HolderID, AcquiredAt: l.AcquiredAt,
			ExpiresAt: l.ExpiresAt, FencingToken: l.FencingToken, Version: l.Version,
		}
		return tx.Where("resource = ?", l.Resource).Save(&row).Error
	})
}

func (s *Store) RenewLock(ctx context.Context, resource, holderID string, newExpiry int64) (*model.Lock, error) {
	var row lockRow
	var out *model.Lock
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "resource = ?", resource).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return model.ErrLockUnavailable
			}
			return err
		}
		if row.HolderID != holderID {
			return model.ErrLockUnavailable
		}
		row.FencingToken++
		row.Version++
		row.ExpiresAt = time.Unix(newExpiry, 0)
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.toModel()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ReleaseLock(ctx context.Context, resource, holderID string) error {
	if err := s.db.WithContext(ctx).Where("resource = ? AND holder_migration_id = ?", resource, holderID).Delete(&lockRow{}).Error; err != nil {
		return fmt.Errorf("%s: releasing lock %q: %w", component, resource, err)
	}
	return nil
}

func (s *Store) GetLock(ctx context.Context, resource string) (*model.Lock, error) {
	var row lockRow
	err := s.db.WithContext(ctx).First(&row, "resource = ?", resource).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: loading lock %q: %w", component, resource, err)
	}
	return row.toModel(), nil
}

func (s *Store) ListLocks(ctx context.Context) ([]*model.Lock, error) {
	var rows []lockRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%s: listing locks: %w", component, err)
	}
	out := make([]*model.Lock, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

var _ repository.StatusStore = (*Store)(nil)
