// Command migratord runs the migration coordination engine as a standalone
// service: it assembles every component behind an fx app and keeps the
// process alive while the Orchestrator admits and drives migrations, either
// through the in-process Service or through inbound Event Bus commands.
package main

import (
	"context"
	_ "embed"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/fx"

	memorystore "github.com/shardmig/migrator/pkg/migration/adapter/statusstore/memory"
	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/repository"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
	"github.com/shardmig/migrator/pkg/migration/engine/planner"
	"github.com/shardmig/migrator/pkg/migration/engine/retry"
	"github.com/shardmig/migrator/pkg/migration/service"
	"github.com/shardmig/migrator/pkg/migration/support/util/logger"
)

//go:embed resources/application.yaml
var embeddedConfig []byte

// main is the process entry point: it wires signal-driven cancellation, loads
// configuration, and runs the fx app until terminated or the app itself
// reports an error.
func main() {
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warnf("received signal %v, shutting down", sig)
		cancel()
	}()

	envFilePath := os.Getenv("ENV_FILE_PATH")
	if envFilePath == "" {
		envFilePath = ".env"
	}

	app := fx.New(
		fx.Supply(
			config.EmbeddedConfig(embeddedConfig),
			fx.Annotate(envFilePath, fx.ResultTags(`name:"envFilePath"`)),
			fx.Annotate(appCtx, fx.As(new(context.Context))),
		),

		config.Module,

		fx.Provide(
			fx.Annotate(newDocumentDriver, fx.ResultTags(`group:"`+ports.StoreDriverGroup+`"`)),
			fx.Annotate(newRelationalDriver, fx.ResultTags(`group:"`+ports.StoreDriverGroup+`"`)),
			newDriverMap,

			newTopology,
			planner.New,

			newTransformRegistry,
			retry.NewFactory,
			newSourceCounter,
			newValidator,

			newStatusStore,
			fx.Annotate(memorystore.NewPlanStore, fx.As(new(repository.PlanStore))),
			fx.Annotate(memorystore.NewRequestStore, fx.As(new(repository.RequestStore))),

			newEventBus,
			newMetrics,
			newLockManager,
			newBackup,

			newOrchestrator,
			service.New,
		),

		fx.Invoke(registerBackgroundLoops),
	)

	app.Run()

	if err := app.Err(); err != nil {
		logger.Fatalf("application run failed: %v", err)
	}
}
