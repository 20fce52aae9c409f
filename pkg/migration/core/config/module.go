package config

import "go.uber.org/fx"

// Module wires configuration loading into the fx graph: NewConfigProvider produces
// *Config, and EnvironmentExpander resolves to the os.ExpandEnv-backed implementation.
var Module = fx.Module("config",
	fx.Provide(
		NewConfigProvider,
		fx.Annotate(
			NewOsEnvironmentExpander,
			fx.As(new(EnvironmentExpander)),
		),
	),
)
