package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/validator"
)

// loadConfig builds the configuration from the tier defaults, an optional
// .env file and KESTREL_* environment variables.
func loadConfig() (*domain.Config, error) {
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if getEnv("KESTREL_TIER", "") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	cfg.Server.Host = getEnv("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsInt("KESTREL_PORT", cfg.Server.Port)

	cfg.Repository.Driver = getEnv("KESTREL_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("KESTREL_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("KESTREL_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvAsInt("KESTREL_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("KESTREL_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("KESTREL_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("KESTREL_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("KESTREL_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	if addr := getEnv("KESTREL_REDIS_ADDR", ""); addr != "" {
		cfg.Cache.RedisAddr = addr
		cfg.Trackers.RedisAddr = addr
	}
	if pw := getEnv("KESTREL_REDIS_PASSWORD", ""); pw != "" {
		cfg.Cache.RedisPassword = pw
		cfg.Trackers.RedisPassword = pw
	}
	cfg.Cache.Type = getEnv("KESTREL_CACHE", cfg.Cache.Type)
	cfg.Trackers.Type = getEnv("KESTREL_TRACKERS", cfg.Trackers.Type)

	cfg.EventBus.Type = getEnv("KESTREL_BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("KESTREL_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("KESTREL_NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.NATSQueueGroup = getEnv("KESTREL_NATS_QUEUE", cfg.EventBus.NATSQueueGroup)

	cfg.Rules.Source = getEnv("KESTREL_RULES_SOURCE", cfg.Rules.Source)
	cfg.Rules.Dir = getEnv("KESTREL_RULES_DIR", cfg.Rules.Dir)
	cfg.Rules.DefaultModule = getEnv("KESTREL_DEFAULT_MODULE", cfg.Rules.DefaultModule)
	cfg.Rules.CacheDocuments = getEnvAsBool("KESTREL_RULES_CACHE", cfg.Rules.CacheDocuments)

	var err error
	if cfg.Rules.TTL, err = getEnvAsDuration("KESTREL_RULES_TTL", cfg.Rules.TTL); err != nil {
		return nil, err
	}
	if cfg.Engine.EvaluationTimeout, err = getEnvAsDuration("KESTREL_EVALUATION_TIMEOUT", cfg.Engine.EvaluationTimeout); err != nil {
		return nil, err
	}
	cfg.Engine.MaxWorkers = getEnvAsInt("KESTREL_MAX_WORKERS", cfg.Engine.MaxWorkers)
	cfg.Engine.AsyncWorkers = getEnvAsInt("KESTREL_ASYNC_WORKERS", cfg.Engine.AsyncWorkers)

	cfg.Validators.Invoker = getEnv("KESTREL_VALIDATORS", getEnv("KESTREL_VALIDATOR_INVOKER", cfg.Validators.Invoker))
	if path := getEnv("KESTREL_VALIDATORS_FILE", ""); path != "" {
		cfg.Validators.File = path
		if cfg.Validators, err = validator.LoadConfig(path, cfg.Validators); err != nil {
			return nil, err
		}
	}

	cfg.Logging.Format = getEnv("KESTREL_LOG_FORMAT", cfg.Logging.Format)
	if getEnvAsBool("KESTREL_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}

	return cfg, nil
}

// newLogger returns the slog logger selected by cfg.
func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// tenantList splits KESTREL_TENANTS.
func tenantList() []string {
	var out []string
	for _, t := range strings.Split(getEnv("KESTREL_TENANTS", ""), ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or whole seconds ("90").
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
