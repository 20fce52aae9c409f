// Package outbox drains the Status Store's unpublished-event buffer onto the
// Event Bus Adapter, giving the at-least-once delivery guarantee §4.9
// promises in practice: Orchestrator.emit persists every Event durably before
// attempting a synchronous Publish, but a publish failure there is only
// logged, not retried. Drain is the retry loop that closes that gap, the
// asynchronous-worker idiom the reference metrics listener uses for flushing
// its own buffered event queue, applied here to outbound bus delivery instead
// of in-process metric recording.
package outbox

import (
	"context"
	"time"

	"github.com/shardmig/migrator/pkg/migration/core/domain/repository"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
	"github.com/shardmig/migrator/pkg/migration/support/util/logger"
)

const component = "outbox.drain"

// Drain periodically polls StatusStore.ListUnpublishedEvents and retries
// EventBus.Publish for each, marking it published in the Status Store on
// success. Run blocks until ctx is cancelled.
type Drain struct {
	store    repository.StatusStore
	bus      ports.EventBus
	interval time.Duration
	batch    int
}

// New creates a Drain polling every interval for up to batch unpublished
// events per cycle.
func New(store repository.StatusStore, bus ports.EventBus, interval time.Duration, batch int) *Drain {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Drain{store: store, bus: bus, interval: interval, batch: batch}
}

// Run drains unpublished events on a fixed interval until ctx is cancelled.
func (d *Drain) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

func (d *Drain) drainOnce(ctx context.Context) {
	events, err := d.store.ListUnpublishedEvents(ctx, d.batch)
	if err != nil {
		logger.Warnf("%s: listing unpublished events: %v", component, err)
		return
	}
	for _, e := range events {
		if err := d.bus.Publish(ctx, e); err != nil {
			logger.Warnf("%s: republishing event %q for migration %q: %v", component, e.ID, e.MigrationID, err)
			continue
		}
		if err := d.store.MarkEventPublished(ctx, e.ID); err != nil {
			logger.Warnf("%s: marking event %q published: %v", component, e.ID, err)
		}
	}
}
