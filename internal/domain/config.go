package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used by default
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Trackers   TrackerConfig    `json:"trackers"`

	// Evaluation
	Rules      RulesConfig      `json:"rules"`
	Validators ValidatorsConfig `json:"validators"`
	Engine     EngineConfig     `json:"engine"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`

	Version string `json:"version"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// RulesConfig controls where rule documents come from and how long they live.
type RulesConfig struct {
	// Source is "file" or "repository".
	Source string `json:"source"`

	// Dir holds <tenant>/<module>.json documents for the file source.
	Dir string `json:"dir"`

	// TTL is how long a fetched document is served before refetching.
	TTL time.Duration `json:"ttl"`

	// DefaultModule is used when a request carries no module code.
	DefaultModule string `json:"defaultModule"`

	// CacheDocuments puts the shared Cache in front of the source.
	CacheDocuments bool `json:"cacheDocuments"`
}

// ValidatorsConfig configures the remote validator layer.
type ValidatorsConfig struct {
	// Invoker is "http" or "static".
	Invoker string `json:"invoker"`

	// File is an optional JSON file with validator definitions.
	File string `json:"file"`

	// Defaults apply to validators that leave a policy unset.
	Defaults ValidatorConfig `json:"defaults"`

	Validators map[string]ValidatorConfig `json:"validators"`
}

// EngineConfig bounds evaluation concurrency.
type EngineConfig struct {
	// MaxWorkers caps concurrently executing rules per evaluation.
	MaxWorkers int `json:"maxWorkers"`

	// EvaluationTimeout bounds a whole evaluation; zero means no bound.
	EvaluationTimeout time.Duration `json:"evaluationTimeout"`

	// AsyncWorkers is the number of async evaluation consumers.
	AsyncWorkers int `json:"asyncWorkers"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, channels and in-process trackers.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS and Redis.
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Trackers: TrackerConfig{
			Type:      "memory",
			KeyPrefix: "kestrel:trk",
			Retention: 30 * 24 * time.Hour,
		},
		Rules: RulesConfig{
			Source:        "file",
			Dir:           "./rules",
			TTL:           5 * time.Minute,
			DefaultModule: "SDCRS",
		},
		Validators: ValidatorsConfig{
			Invoker:    "http",
			Defaults:   DefaultValidatorConfig(),
			Validators: map[string]ValidatorConfig{},
		},
		Engine: EngineConfig{
			MaxWorkers:        16,
			EvaluationTimeout: 30 * time.Second,
			AsyncWorkers:      4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Version: "0.1.0",
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Trackers.Type = "redis"
	cfg.Trackers.RedisAddr = "localhost:6379"
	cfg.Rules.Source = "repository"
	cfg.Rules.CacheDocuments = true
	cfg.Tracing.Enabled = true
	return cfg
}
