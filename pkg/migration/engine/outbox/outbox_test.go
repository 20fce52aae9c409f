package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memorystore "github.com/shardmig/migrator/pkg/migration/adapter/statusstore/memory"
	"github.com/shardmig/migrator/pkg/migration/adapter/eventbus/memory"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
)

func TestDrainOncePublishesAndMarksPublished(t *testing.T) {
	store := memorystore.New()
	bus := memory.New()
	ctx := context.Background()

	require.NoError(t, store.AppendEvent(ctx, &model.Event{ID: "e1", MigrationID: "m1"}))
	require.NoError(t, store.AppendEvent(ctx, &model.Event{ID: "e2", MigrationID: "m1"}))

	d := New(store, bus, 0, 0)
	d.drainOnce(ctx)

	assert.Len(t, bus.Events(), 2)

	remaining, err := store.ListUnpublishedEvents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestDrainOnceLeavesFailedPublishesUnmarked(t *testing.T) {
	store := memorystore.New()
	bus := memory.New()
	ctx := context.Background()

	require.NoError(t, store.AppendEvent(ctx, &model.Event{ID: "e1", MigrationID: "m1"}))
	require.NoError(t, bus.Close()) // every publish now fails

	d := New(store, bus, 0, 0)
	d.drainOnce(ctx)

	remaining, err := store.ListUnpublishedEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "e1", remaining[0].ID)
}

func TestDrainOnceHonorsBatchSize(t *testing.T) {
	store := memorystore.New()
	bus := memory.New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvent(ctx, &model.Event{ID: string(rune('a' + i)), MigrationID: "m1"}))
	}

	d := New(store, bus, 0, 2)
	d.drainOnce(ctx)

	assert.Len(t, bus.Events(), 2)
}
