// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config reads the optimizer's configuration from the environment.
// Every knob has a default; a set-but-unparseable variable is an error
// rather than a silent fallback.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration, resolved once at boot.
type Config struct {
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string

	DatafilesDir string

	UpdateInterval time.Duration
	MinExposures   int64
	SamplerTrials  int
	LockTTL        time.Duration

	Host          string
	Port          int
	ShutdownGrace time.Duration
	BootRetry     time.Duration

	LogLevel  string
	LogFormat string
}

// FromEnv builds a Config from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		RedisHost:     envString("REDIS_HOST", "localhost"),
		RedisPassword: envString("REDIS_PASSWORD", ""),
		DatafilesDir:  envString("DATAFILES_DIR", "./dist"),
		Host:          envString("HOST", "0.0.0.0"),
		LogLevel:      envString("LOG_LEVEL", "info"),
		LogFormat:     envString("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.RedisPort, err = envInt("REDIS_PORT", 6379); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Port, err = envInt("PORT", 5050); err != nil {
		return nil, err
	}
	if cfg.SamplerTrials, err = envInt("SAMPLER_TRIALS", 10000); err != nil {
		return nil, err
	}

	minExposures, err := envInt("MIN_EXPOSURES_FOR_UPDATE", 100)
	if err != nil {
		return nil, err
	}
	cfg.MinExposures = int64(minExposures)

	intervalMinutes, err := envInt("UPDATE_INTERVAL_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	cfg.UpdateInterval = time.Duration(intervalMinutes) * time.Minute

	if cfg.LockTTL, err = envSeconds("LOCK_TTL_SECONDS", 120); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = envSeconds("SHUTDOWN_GRACE_SECONDS", 10); err != nil {
		return nil, err
	}
	if cfg.BootRetry, err = envSeconds("BOOT_RETRY_SECONDS", 30); err != nil {
		return nil, err
	}

	if cfg.UpdateInterval <= 0 {
		return nil, fmt.Errorf("config: UPDATE_INTERVAL_MINUTES must be positive, got %d", intervalMinutes)
	}
	if cfg.SamplerTrials <= 0 {
		return nil, fmt.Errorf("config: SAMPLER_TRIALS must be positive, got %d", cfg.SamplerTrials)
	}
	if cfg.MinExposures < 0 {
		return nil, fmt.Errorf("config: MIN_EXPOSURES_FOR_UPDATE must not be negative, got %d", cfg.MinExposures)
	}
	return cfg, nil
}

// RedisAddr is the host:port pair for the go-redis client.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

// ListenAddr is the HTTP bind address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func envString(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", name, v)
	}
	return n, nil
}

func envSeconds(name string, fallback int) (time.Duration, error) {
	n, err := envInt(name, fallback)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("config: %s must not be negative, got %d", name, n)
	}
	return time.Duration(n) * time.Second, nil
}
