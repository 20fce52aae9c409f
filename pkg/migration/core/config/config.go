// Package config provides the engine's structured configuration: defaults,
// an embedded YAML document, and environment-variable overrides, matching the
// recognized options in §6.
package config

// EmbeddedConfig holds the raw bytes of the default configuration document,
// normally passed in from cmd/migratord/main.go via go:embed.
type EmbeddedConfig []byte

// BatchBounds is the [min, max] clamp on the Batch Pump's adaptive batch size.
type BatchBounds struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// RetryConfig configures the exponential-backoff retry applied to Transient and
// Contention errors (§7).
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	InitialInterval int     `yaml:"initial_interval_ms"`
	MaxInterval     int     `yaml:"max_interval_ms"`
	Factor          float64 `yaml:"factor"`
	JitterFraction  float64 `yaml:"jitter_fraction"`
}

// BatchPumpConfig configures the Batch Pump's adaptive sizing control loop (§4.4).
type BatchPumpConfig struct {
	DefaultBatch      int         `yaml:"default_batch"`
	Bounds            BatchBounds `yaml:"batch_bounds"`
	HighWatermarkMS   int         `yaml:"high_watermark_ms"`
	LowWatermarkMS    int         `yaml:"low_watermark_ms"`
	GrowthFactor      float64     `yaml:"growth_factor"`
	ShrinkFactor      float64     `yaml:"shrink_factor"`
	RecomputeEveryN   int         `yaml:"recompute_every_n"`
}

// OrchestratorConfig configures the Orchestrator's scheduling semaphores and
// rollback policy default (§4.6, §5).
type OrchestratorConfig struct {
	PerStoreClassParallelism int    `yaml:"per_store_class_parallelism"`
	RollbackPolicy           string `yaml:"rollback_policy"` // "compensate" | "halt"
	DefaultStepTimeoutMS     int    `yaml:"default_step_timeout_ms"`
	DefaultMigrationTimeoutMS int   `yaml:"default_migration_timeout_ms"`
}

// LockConfig configures the Lock Manager's lease lifetime (§4.10).
type LockConfig struct {
	TTLSeconds   int `yaml:"ttl_seconds"`
	GraceSeconds int `yaml:"grace_seconds"`
}

// ValidatorConfig configures the Validator's post-check tolerance (§4.7).
type ValidatorConfig struct {
	CountDeltaTolerance float64 `yaml:"count_delta_tolerance"`
	SampleSize          int     `yaml:"sample_size"`
}

// TopologyConfig selects how Topology discovers its shard set (§4.1).
type TopologyConfig struct {
	Source string                       `yaml:"source"` // "static" | "discovery"
	Static map[string][]string          `yaml:"static"` // store class -> shard ids
}

// StoreConnectionConfig is one per-backend DSN entry under store_connections.
type StoreConnectionConfig struct {
	Name       string `yaml:"name"`
	StoreClass string `yaml:"store_class"`
	Dialect    string `yaml:"dialect"` // "mysql" | "postgres" | "sqlite" for relational; "gcs" | "local" for document
	DSN        string `yaml:"dsn"`
}

// EventBusConfig selects and configures the Event Bus Adapter's back-end (§4.9, §6).
type EventBusConfig struct {
	Kind     string `yaml:"kind"` // "broker_a" (sarama/Kafka) | "broker_b" (nats.go)
	Brokers  []string `yaml:"brokers"`
	Topic    string `yaml:"topic"`
	NATSURL  string `yaml:"nats_url"`
	Subject  string `yaml:"subject"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig selects the MetricRecorder/Tracer exporter backend.
type MetricsConfig struct {
	Backend        string `yaml:"backend"` // "prometheus" | "otel" | "noop"
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	PrometheusAddr string `yaml:"prometheus_addr"`
}

// StatusStoreConfig selects the Status Store's backing implementation.
type StatusStoreConfig struct {
	Backend string `yaml:"backend"` // "relational" | "memory"
	DBRef   string `yaml:"db_ref"`  // name into StoreConnections when Backend == "relational"
}

// EngineConfig holds all configuration under the "engine" top-level key.
type EngineConfig struct {
	StoreConnections []StoreConnectionConfig `yaml:"store_connections"`
	Topology         TopologyConfig          `yaml:"topology"`
	BatchPump        BatchPumpConfig         `yaml:"batch_pump"`
	Orchestrator     OrchestratorConfig      `yaml:"orchestrator"`
	Lock             LockConfig              `yaml:"lock"`
	Validator        ValidatorConfig         `yaml:"validator"`
	Retry            RetryConfig             `yaml:"retry"`
	ContentionRetry  RetryConfig             `yaml:"contention_retry"`
	EventBus         EventBusConfig          `yaml:"event_bus"`
	StatusStore      StatusStoreConfig       `yaml:"status_store"`
	Logging          LoggingConfig           `yaml:"logging"`
	Metrics          MetricsConfig           `yaml:"metrics"`

	// Backup is a generic properties bag for the Backup collaborator rather
	// than a fixed struct, matching the teacher's own per-component property
	// map convention; engine/backup decodes it via mapstructure.
	Backup map[string]interface{} `yaml:"backup"`
}

// Config is the root configuration structure.
type Config struct {
	Engine         EngineConfig   `yaml:"engine"`
	EmbeddedConfig EmbeddedConfig `yaml:"-"`
}

// GlobalConfig is the process-wide read-only snapshot, set once by NewConfigProvider
// at startup. Components that need configuration take it by constructor injection;
// GlobalConfig exists only to bootstrap the logger level before fx has finished wiring.
var GlobalConfig *Config

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Topology: TopologyConfig{
				Source: "static",
				Static: map[string][]string{},
			},
			BatchPump: BatchPumpConfig{
				DefaultBatch:    200,
				Bounds:          BatchBounds{Min: 25, Max: 2000},
				HighWatermarkMS: 250,
				LowWatermarkMS:  50,
				GrowthFactor:    1.5,
				ShrinkFactor:    0.5,
				RecomputeEveryN: 5,
			},
			Orchestrator: OrchestratorConfig{
				PerStoreClassParallelism:  4,
				RollbackPolicy:            "compensate",
				DefaultStepTimeoutMS:      0,
				DefaultMigrationTimeoutMS: 0,
			},
			Lock: LockConfig{
				TTLSeconds:   30,
				GraceSeconds: 10,
			},
			Validator: ValidatorConfig{
				CountDeltaTolerance: 0.01,
				SampleSize:          50,
			},
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: 200,
				MaxInterval:     10000,
				Factor:          2.0,
				JitterFraction:  0.2,
			},
			ContentionRetry: RetryConfig{
				MaxAttempts:     8,
				InitialInterval: 25,
				MaxInterval:     1000,
				Factor:          1.8,
				JitterFraction:  0.3,
			},
			EventBus: EventBusConfig{
				Kind:    "broker_b",
				Topic:   "migration-events",
				Subject: "migration.events",
			},
			StatusStore: StatusStoreConfig{
				Backend: "memory",
				DBRef:   "statusstore",
			},
			Logging: LoggingConfig{
				Level: "INFO",
			},
			Metrics: MetricsConfig{
				Backend: "noop",
			},
		},
	}
}
