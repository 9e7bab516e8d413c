package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, name := range []string{
		"REDIS_HOST", "REDIS_PORT", "REDIS_DB", "REDIS_PASSWORD",
		"DATAFILES_DIR", "UPDATE_INTERVAL_MINUTES", "MIN_EXPOSURES_FOR_UPDATE",
		"HOST", "PORT", "SAMPLER_TRIALS", "LOCK_TTL_SECONDS",
		"SHUTDOWN_GRACE_SECONDS", "BOOT_RETRY_SECONDS", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(name, "")
	}

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if cfg.RedisAddr() != "localhost:6379" {
		t.Fatalf("redis addr = %q", cfg.RedisAddr())
	}
	if cfg.ListenAddr() != "0.0.0.0:5050" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr())
	}
	if cfg.UpdateInterval != 30*time.Minute {
		t.Fatalf("interval = %v", cfg.UpdateInterval)
	}
	if cfg.MinExposures != 100 || cfg.SamplerTrials != 10000 {
		t.Fatalf("thresholds = %d / %d", cfg.MinExposures, cfg.SamplerTrials)
	}
	if cfg.LockTTL != 2*time.Minute || cfg.ShutdownGrace != 10*time.Second || cfg.BootRetry != 30*time.Second {
		t.Fatalf("durations = %v / %v / %v", cfg.LockTTL, cfg.ShutdownGrace, cfg.BootRetry)
	}
	if cfg.DatafilesDir != "./dist" || cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6390")
	t.Setenv("UPDATE_INTERVAL_MINUTES", "5")
	t.Setenv("SAMPLER_TRIALS", "2000")
	t.Setenv("PORT", "8088")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if cfg.RedisAddr() != "redis.internal:6390" {
		t.Fatalf("redis addr = %q", cfg.RedisAddr())
	}
	if cfg.UpdateInterval != 5*time.Minute || cfg.SamplerTrials != 2000 || cfg.Port != 8088 {
		t.Fatalf("overrides lost: %+v", cfg)
	}
}

func TestFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv("REDIS_PORT", "not-a-port")
	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected an error")
	}
	// The error must name the offending variable.
	if !strings.Contains(err.Error(), "REDIS_PORT") {
		t.Fatalf("error does not name the variable: %v", err)
	}
}

func TestFromEnvRejectsNonPositiveInterval(t *testing.T) {
	t.Setenv("UPDATE_INTERVAL_MINUTES", "0")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected an error")
	}
}
