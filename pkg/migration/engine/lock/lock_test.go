package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memorystore "github.com/shardmig/migrator/pkg/migration/adapter/statusstore/memory"
	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/engine/lock"
)

func TestAcquireRenewRelease(t *testing.T) {
	store := memorystore.New()
	m := lock.New(store, config.LockConfig{TTLSeconds: 60, GraceSeconds: 5}, nil)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "migration:m1", "holder-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), token)

	require.NoError(t, m.Renew(ctx, "migration:m1", "holder-a"))

	require.NoError(t, m.Release(ctx, "migration:m1", "holder-a"))

	// Once released, a different holder can acquire cleanly.
	token, err = m.Acquire(ctx, "migration:m1", "holder-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), token)
}

func TestAcquireFailsOnContention(t *testing.T) {
	store := memorystore.New()
	m := lock.New(store, config.LockConfig{TTLSeconds: 60}, nil)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "migration:m1", "holder-a")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "migration:m1", "holder-b")
	assert.ErrorIs(t, err, model.ErrLockBusy)
}

func TestRenewFailsForNonHolder(t *testing.T) {
	store := memorystore.New()
	m := lock.New(store, config.LockConfig{TTLSeconds: 60}, nil)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "migration:m1", "holder-a")
	require.NoError(t, err)

	assert.Error(t, m.Renew(ctx, "migration:m1", "holder-b"))
}

func TestReapStaleReleasesExpiredAndTerminalLocks(t *testing.T) {
	store := memorystore.New()
	ctx := context.Background()
	m := lock.New(store, config.LockConfig{TTLSeconds: 0, GraceSeconds: 0}, nil)

	require.NoError(t, store.CreateMigration(ctx, &model.Migration{ID: "terminal-holder", Status: model.MigrationCompleted, CreatedAt: time.Now()}))
	_, err := m.Acquire(ctx, "migration:terminal", "terminal-holder")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "migration:expired", "unknown-holder")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	reaped, err := m.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)

	remaining, err := store.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestReapStaleLeavesHealthyLockAlone(t *testing.T) {
	store := memorystore.New()
	ctx := context.Background()
	m := lock.New(store, config.LockConfig{TTLSeconds: 3600, GraceSeconds: 60}, nil)

	require.NoError(t, store.CreateMigration(ctx, &model.Migration{ID: "holder-a", Status: model.MigrationRunning, CreatedAt: time.Now()}))
	_, err := m.Acquire(ctx, "migration:m1", "holder-a")
	require.NoError(t, err)

	reaped, err := m.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)
}
