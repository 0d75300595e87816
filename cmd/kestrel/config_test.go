package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		if cfg.Tier != domain.TierCommunity {
			t.Errorf("expected community tier, got %s", cfg.Tier)
		}
		if cfg.Repository.Driver != "sqlite" || cfg.EventBus.Type != "channel" {
			t.Errorf("unexpected community backends: %s/%s", cfg.Repository.Driver, cfg.EventBus.Type)
		}
	})

	t.Run("ProTier", func(t *testing.T) {
		t.Setenv("KESTREL_TIER", "pro")
		t.Setenv("KESTREL_REDIS_ADDR", "redis:6379")

		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		if cfg.Tier != domain.TierPro || cfg.Repository.Driver != "postgres" {
			t.Errorf("expected pro tier on postgres, got %s on %s", cfg.Tier, cfg.Repository.Driver)
		}
		if cfg.Cache.RedisAddr != "redis:6379" || cfg.Trackers.RedisAddr != "redis:6379" {
			t.Errorf("redis address not applied to cache and trackers: %s / %s", cfg.Cache.RedisAddr, cfg.Trackers.RedisAddr)
		}
	})

	t.Run("Overrides", func(t *testing.T) {
		t.Setenv("KESTREL_PORT", "9090")
		t.Setenv("KESTREL_RULES_TTL", "90")
		t.Setenv("KESTREL_EVALUATION_TIMEOUT", "1500ms")
		t.Setenv("KESTREL_DEFAULT_MODULE", "PGR")
		t.Setenv("KESTREL_DEBUG", "true")
		t.Setenv("KESTREL_MAX_WORKERS", "not-a-number")

		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Rules.TTL != 90*time.Second {
			t.Errorf("expected rules TTL 90s, got %v", cfg.Rules.TTL)
		}
		if cfg.Engine.EvaluationTimeout != 1500*time.Millisecond {
			t.Errorf("expected timeout 1.5s, got %v", cfg.Engine.EvaluationTimeout)
		}
		if cfg.Rules.DefaultModule != "PGR" {
			t.Errorf("expected module PGR, got %s", cfg.Rules.DefaultModule)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected debug logging, got %s", cfg.Logging.Level)
		}
		if cfg.Engine.MaxWorkers != domain.DefaultConfig().Engine.MaxWorkers {
			t.Errorf("invalid int should keep the default, got %d", cfg.Engine.MaxWorkers)
		}
	})

	t.Run("InvalidDuration", func(t *testing.T) {
		t.Setenv("KESTREL_RULES_TTL", "soon")
		if _, err := loadConfig(); err == nil {
			t.Error("expected error for invalid duration")
		}
	})

	t.Run("ValidatorsFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "validators.json")
		doc := `{"invoker": "static", "validators": {"OBJECT_DETECTOR": {"timeoutMs": 800}}}`
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("KESTREL_VALIDATORS_FILE", path)

		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		if cfg.Validators.Invoker != "static" {
			t.Errorf("expected static invoker, got %s", cfg.Validators.Invoker)
		}
		if _, ok := cfg.Validators.Validators["OBJECT_DETECTOR"]; !ok {
			t.Error("OBJECT_DETECTOR not loaded")
		}
		if cfg.Validators.File != path {
			t.Errorf("expected file %s, got %s", path, cfg.Validators.File)
		}
	})
}

func TestTenantList(t *testing.T) {
	t.Setenv("KESTREL_TENANTS", " pb.amritsar, ,pb.jalandhar ")
	want := []string{"pb.amritsar", "pb.jalandhar"}
	if got := tenantList(); !reflect.DeepEqual(got, want) {
		t.Errorf("tenantList() = %v, want %v", got, want)
	}

	t.Setenv("KESTREL_TENANTS", "")
	if got := tenantList(); len(got) != 0 {
		t.Errorf("expected no tenants, got %v", got)
	}
}
