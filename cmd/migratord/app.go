package main

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"github.com/shardmig/migrator/pkg/migration/adapter/driver/document"
	"github.com/shardmig/migrator/pkg/migration/adapter/driver/relational"
	"github.com/shardmig/migrator/pkg/migration/adapter/eventbus/kafka"
	"github.com/shardmig/migrator/pkg/migration/adapter/eventbus/memory"
	natsbus "github.com/shardmig/migrator/pkg/migration/adapter/eventbus/nats"
	"github.com/shardmig/migrator/pkg/migration/adapter/metrics/noop"
	"github.com/shardmig/migrator/pkg/migration/adapter/metrics/otel"
	"github.com/shardmig/migrator/pkg/migration/adapter/metrics/prometheus"
	memorystore "github.com/shardmig/migrator/pkg/migration/adapter/statusstore/memory"
	sqlstore "github.com/shardmig/migrator/pkg/migration/adapter/statusstore/sql"
	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/domain/repository"
	coremetrics "github.com/shardmig/migrator/pkg/migration/core/metrics"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
	"github.com/shardmig/migrator/pkg/migration/engine/backup"
	"github.com/shardmig/migrator/pkg/migration/engine/lock"
	"github.com/shardmig/migrator/pkg/migration/engine/outbox"
	"github.com/shardmig/migrator/pkg/migration/engine/planner"
	"github.com/shardmig/migrator/pkg/migration/engine/retry"
	"github.com/shardmig/migrator/pkg/migration/engine/topology"
	"github.com/shardmig/migrator/pkg/migration/engine/transform"
	"github.com/shardmig/migrator/pkg/migration/engine/validator"
	"github.com/shardmig/migrator/pkg/migration/service"
	"github.com/shardmig/migrator/pkg/migration/support/util/logger"

	"github.com/shardmig/migrator/pkg/migration/engine/orchestrator"
)

// newDocumentDriver provides the document-store StoreDriver under the
// store_drivers group, mirroring the reference stack's per-type DB provider
// registration.
func newDocumentDriver(ctx context.Context, cfg *config.Config) (ports.StoreDriver, error) {
	d, err := document.New(ctx, cfg.Engine.StoreConnections)
	if err != nil {
		return nil, fmt.Errorf("wiring document driver: %w", err)
	}
	return d, nil
}

// newRelationalDriver provides the relational-store StoreDriver under the
// store_drivers group.
func newRelationalDriver(cfg *config.Config) ports.StoreDriver {
	return relational.New(cfg.Engine.StoreConnections)
}

type driverGroupParams struct {
	fx.In
	Drivers []ports.StoreDriver `group:"store_drivers"`
}

// newDriverMap aggregates the store_drivers group into the map the
// Orchestrator indexes by StoreClass.
func newDriverMap(p driverGroupParams) map[model.StoreClass]ports.StoreDriver {
	out := make(map[model.StoreClass]ports.StoreDriver, len(p.Drivers))
	for _, d := range p.Drivers {
		out[d.StoreClass()] = d
	}
	return out
}

// newTopology selects Static from configuration. Discovery is available to a
// deployment that supplies its own cluster-membership DiscoveryFunc, but no
// such integration is wired here — a "discovery" source configured without
// one falls back to Static with a warning rather than failing startup.
func newTopology(cfg *config.Config) ports.Topology {
	if cfg.Engine.Topology.Source == "discovery" {
		logger.Warnf("topology.source is %q but no discovery integration is wired; falling back to static", cfg.Engine.Topology.Source)
	}
	return topology.NewStatic(cfg)
}

// newStatusStore selects the Status Store backend: "memory" for local/test
// runs, "relational" for the GORM-backed durable store keyed off the
// store_connections entry named by status_store.db_ref.
func newStatusStore(cfg *config.Config) (repository.StatusStore, error) {
	switch cfg.Engine.StatusStore.Backend {
	case "relational":
		for _, c := range cfg.Engine.StoreConnections {
			if c.Name == cfg.Engine.StatusStore.DBRef {
				return sqlstore.Open(c.Dialect, c.DSN)
			}
		}
		return nil, fmt.Errorf("status_store.db_ref %q not found among store_connections", cfg.Engine.StatusStore.DBRef)
	case "memory", "":
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("status_store.backend %q not recognized", cfg.Engine.StatusStore.Backend)
	}
}

// newEventBus selects the Event Bus Adapter back-end and registers its Close
// against the fx lifecycle.
func newEventBus(lc fx.Lifecycle, cfg *config.Config) (ports.EventBus, error) {
	var bus ports.EventBus
	switch cfg.Engine.EventBus.Kind {
	case "broker_a":
		b, err := kafka.New(cfg.Engine.EventBus, "migratord")
		if err != nil {
			return nil, fmt.Errorf("wiring kafka event bus: %w", err)
		}
		bus = b
	case "broker_b":
		b, err := natsbus.New(cfg.Engine.EventBus, "migratord")
		if err != nil {
			return nil, fmt.Errorf("wiring nats event bus: %w", err)
		}
		bus = b
	case "memory", "":
		bus = memory.New()
	default:
		return nil, fmt.Errorf("event_bus.kind %q not recognized", cfg.Engine.EventBus.Kind)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return bus.Close()
		},
	})
	return bus, nil
}

// newMetrics selects the MetricRecorder/Tracer backend. The otel backend owns
// an SDK provider that must flush on shutdown, so its Shutdown is registered
// against the fx lifecycle here rather than left to the caller.
func newMetrics(lc fx.Lifecycle, appCtx context.Context, cfg *config.Config) (coremetrics.MetricRecorder, coremetrics.Tracer, error) {
	switch cfg.Engine.Metrics.Backend {
	case "prometheus":
		return prometheus.New(), noop.NewTracer(), nil
	case "otel":
		provider, err := otel.NewProvider(appCtx, cfg.Engine.Metrics)
		if err != nil {
			return nil, nil, fmt.Errorf("wiring otel metrics provider: %w", err)
		}
		rec, err := provider.Recorder()
		if err != nil {
			return nil, nil, fmt.Errorf("wiring otel recorder: %w", err)
		}
		lc.Append(fx.Hook{
			OnStop: provider.Shutdown,
		})
		return rec, provider.Tracer(), nil
	case "noop", "":
		return noop.New(), noop.NewTracer(), nil
	default:
		return nil, nil, fmt.Errorf("metrics.backend %q not recognized", cfg.Engine.Metrics.Backend)
	}
}

// newSourceCounter builds the Validator's authoritative-count callback over
// the StoreDriver contract's narrow StreamBatch primitive: no driver exposes
// a native row/document count, so the counter pages through the shard with
// each configured driver until one recognizes the shard, summing batch
// lengths to the end of the stream.
func newSourceCounter(drivers map[model.StoreClass]ports.StoreDriver) validator.SourceCounter {
	return func(ctx context.Context, step model.Step) (int64, error) {
		var lastErr error
		for _, d := range drivers {
			conn, err := d.Open(ctx, step.ShardID)
			if err != nil {
				lastErr = err
				continue
			}
			total, err := countAll(ctx, d, conn)
			closeErr := conn.Close()
			if err != nil {
				return 0, err
			}
			if closeErr != nil {
				return 0, closeErr
			}
			return total, nil
		}
		return 0, fmt.Errorf("source counter: no configured driver recognizes shard %q: %w", step.ShardID, lastErr)
	}
}

func countAll(ctx context.Context, d ports.StoreDriver, conn ports.Conn) (int64, error) {
	var total int64
	cursor := ""
	for {
		batch, err := d.StreamBatch(ctx, conn, cursor, 500)
		if err != nil {
			return 0, err
		}
		total += int64(len(batch.Records))
		if batch.Done {
			return total, nil
		}
		cursor = batch.NextCursor
	}
}

// newTransformRegistry builds the Transformer registry and registers the
// built-in transformer identifiers a MigrationRequest step can name, the
// process-construction-time registration (rather than runtime module-path
// lookup).
func newTransformRegistry() *transform.Registry {
	r := transform.NewRegistry()
	transform.RegisterBuiltins(r)
	return r
}

// newBackup constructs the Backup collaborator the Executor uses to capture
// and restore pre-step snapshots for rollback's (a) compensation path.
func newBackup(cfg *config.Config) (*backup.Backup, error) {
	backupCfg, err := backup.ConfigFromProperties(cfg.Engine.Backup)
	if err != nil {
		return nil, fmt.Errorf("wiring backup collaborator: %w", err)
	}
	return backup.New(backupCfg)
}

// newLockManager constructs the fenced advisory Lock Manager over the Status
// Store, satisfying ports.LockManager.
func newLockManager(store repository.StatusStore, cfg *config.Config, rec coremetrics.MetricRecorder) ports.LockManager {
	return lock.New(store, cfg.Engine.Lock, rec)
}

// newValidator constructs the Validator from configuration and the
// authoritative-count callback.
func newValidator(cfg *config.Config, counter validator.SourceCounter) *validator.Validator {
	return validator.New(cfg.Engine.Validator, counter)
}

type orchestratorParams struct {
	fx.In
	Store        repository.StatusStore
	PlanStore    repository.PlanStore
	RequestStore repository.RequestStore
	Planner      *planner.Planner
	LockManager  ports.LockManager
	EventBus     ports.EventBus
	Drivers      map[model.StoreClass]ports.StoreDriver
	Registry     *transform.Registry
	RetryFactory *retry.Factory
	Validator    *validator.Validator
	Cfg          *config.Config
	Recorder     coremetrics.MetricRecorder
	Tracer       coremetrics.Tracer
	Backup       *backup.Backup
}

func newOrchestrator(p orchestratorParams) *orchestrator.Orchestrator {
	return orchestrator.New(
		p.Store, p.PlanStore, p.RequestStore, p.Planner, p.LockManager, p.EventBus,
		p.Drivers, p.Registry, p.RetryFactory, p.Validator, p.Cfg, p.Recorder, p.Tracer, p.Backup,
	)
}

// runCommandLoop subscribes to the Event Bus Adapter's inbound command stream
// and dispatches each command to the in-process Service, the seam that lets a
// migration be requested or cancelled over the bus instead of only through a
// direct Service call.
func runCommandLoop(ctx context.Context, bus ports.EventBus, svc *service.Service) {
	err := bus.Subscribe(ctx, func(ctx context.Context, cmd ports.Command) error {
		switch cmd.Kind {
		case ports.CommandMigrationRequest:
			if cmd.Request == nil {
				return fmt.Errorf("command loop: %s command missing request body", cmd.Kind)
			}
			m, err := svc.CreateMigration(ctx, *cmd.Request)
			if err != nil {
				return err
			}
			svc.StartMigration(ctx, m.ID)
			return nil
		case ports.CommandMigrationCancel:
			return svc.CancelMigration(ctx, cmd.MigrationID)
		default:
			return fmt.Errorf("command loop: unrecognized command kind %q", cmd.Kind)
		}
	})
	if err != nil && ctx.Err() == nil {
		logger.Errorf("command loop: subscribe ended with error: %v", err)
	}
}

// registerBackgroundLoops starts the outbox drain loop and the Event Bus
// command loop as fx lifecycle-managed background goroutines, both stopping
// cooperatively when appCtx is cancelled.
func registerBackgroundLoops(lc fx.Lifecycle, appCtx context.Context, store repository.StatusStore, bus ports.EventBus, svc *service.Service) {
	drain := outbox.New(store, bus, 0, 0)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go drain.Run(appCtx)
			go runCommandLoop(appCtx, bus, svc)
			return nil
		},
	})
}
