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

// Package main is the entry point for the weight-optimizer API server.
//
// The service sits beside a feature-flag platform: SDK clients report
// exposure and conversion events here, a background scheduler periodically
// recomputes experiment weights with Thompson Sampling over the accumulated
// counters, and clients fetch datafiles through an overlay that serves the
// optimized weights in place of the declared ones.
//
// This file orchestrates the whole service:
//  1. Load configuration (.env file if present, then the environment).
//  2. Connect to Redis with bounded boot retries.
//  3. Load the datafile catalogue from disk.
//  4. Start the recalculation scheduler and the HTTP server.
//  5. Shut down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bandit"
	"bandit/internal/optimizer/api"
	"bandit/internal/optimizer/catalog"
	"bandit/internal/optimizer/config"
	"bandit/internal/optimizer/persistence"
	"bandit/internal/optimizer/scheduler"
	"bandit/internal/optimizer/telemetry"
)

func main() {
	// A missing .env is fine; the environment alone is a valid config.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		boot := bootstrapLogger()
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := newLogger(cfg)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := persistence.NewRedisStore(client)
	if err := waitForStore(store, cfg.BootRetry, log); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr()).Msg("counter store unreachable")
	}
	log.Info().Str("addr", cfg.RedisAddr()).Msg("connected to counter store")

	repo := catalog.NewRepository(cfg.DatafilesDir, log)
	if err := repo.Load(context.Background()); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DatafilesDir).Msg("failed to load datafile catalogue")
	}
	telemetry.DatafilesLoaded.Set(float64(repo.Len()))
	log.Info().Int("datafiles", repo.Len()).Str("dir", cfg.DatafilesDir).Msg("datafile catalogue loaded")

	sampler := bandit.NewWithOptions(bandit.Options{Trials: cfg.SamplerTrials})
	sched := scheduler.New(store, repo, sampler, scheduler.Config{
		Interval:     cfg.UpdateInterval,
		MinExposures: cfg.MinExposures,
		LockTTL:      cfg.LockTTL,
	}, log)
	sched.Start()

	server := api.NewServer(repo, store, sched, log)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		// POST /recalculate runs a cycle synchronously; keep the write
		// timeout comfortably above a worst-case cycle.
		WriteTimeout: cfg.LockTTL,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr()).Msg("optimizer API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")

	// Stop the scheduler first; it waits for a running cycle so weights
	// are never left half-written.
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown incomplete")
	}
	_ = client.Close()
	log.Info().Msg("stopped")
}

// waitForStore pings the store until it answers or the retry budget runs
// out. Boot fails hard rather than serving with a dead store.
func waitForStore(store *persistence.RedisStore, budget time.Duration, log zerolog.Logger) error {
	deadline := time.Now().Add(budget)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := store.Ping(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		log.Warn().Err(err).Msg("counter store not ready; retrying")
		time.Sleep(time.Second)
	}
}

func bootstrapLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := bootstrapLogger().Level(level)
	if cfg.LogFormat == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}
