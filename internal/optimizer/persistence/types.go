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

// Package persistence implements the durable counter store for the
// optimizer. Counters live entirely in the external store; the process
// keeps no counter cache. The key layout is a compatibility contract:
//
//	stats:{datafile}:{feature}:{variant}   hash: exposures, conversions, weight, last_updated
//	history:{datafile}:{feature}           zset of weight-history entries, scored by unix time
//	lock:{name}                            SET-NX recalculation lock
package persistence

import (
	"context"
	"strings"
	"time"
)

// Key prefixes owned by the service.
const (
	StatsPrefix   = "stats:"
	HistoryPrefix = "history:"
	LockPrefix    = "lock:"
)

// historyMaxEntries bounds each feature's weight history.
const historyMaxEntries = 1000

// Counters is a snapshot of one variant's record. Weight and LastUpdated
// are absent (HasWeight false, LastUpdated zero) until the first
// recalculation writes them. Conversions may exceed Exposures transiently;
// callers must not clamp for display.
type Counters struct {
	Exposures   int64
	Conversions int64
	Weight      float64
	HasWeight   bool
	LastUpdated int64 // unix seconds of the last weight write
}

// HistoryEntry is one recorded weight calculation for a variant.
type HistoryEntry struct {
	Variant   string  `json:"variant"`
	Weight    float64 `json:"weight"`
	ProbBest  float64 `json:"prob_best"`
	Timestamp int64   `json:"timestamp"`
}

// CounterStore is the durable store contract used by the ingest surface,
// the stats endpoint, and the recalculation scheduler.
//
// Increments must be atomic under arbitrary concurrency and must create the
// record lazily. SetWeight must write weight and last_updated as one atomic
// operation and must never reset counts. ScanKeys may return duplicates and
// may miss keys created during iteration; callers deduplicate.
type CounterStore interface {
	IncrExposure(ctx context.Context, datafile, feature, variant string) error
	IncrConversion(ctx context.Context, datafile, feature, variant string) error
	GetCounters(ctx context.Context, datafile, feature, variant string) (Counters, error)
	SetWeight(ctx context.Context, datafile, feature, variant string, weight float64, ts time.Time) error
	ScanKeys(ctx context.Context, prefix string) ([]string, error)

	AppendHistory(ctx context.Context, datafile, feature string, entry HistoryEntry) error
	History(ctx context.Context, datafile, feature string, limit int64) ([]HistoryEntry, error)

	// AcquireLock implements SET-IF-NOT-EXISTS with a TTL. ok reports
	// whether the lock was taken; token must be passed back to ReleaseLock
	// so only the owner can release.
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, name, token string) error

	Ping(ctx context.Context) error
}

// StatsKey builds the counter key for one variant. Feature keys and variant
// values must not contain ':'; datafile paths may contain '/'.
func StatsKey(datafile, feature, variant string) string {
	return StatsPrefix + datafile + ":" + feature + ":" + variant
}

// HistoryKey builds the weight-history key for one experiment group.
func HistoryKey(datafile, feature string) string {
	return HistoryPrefix + datafile + ":" + feature
}

// LockKey builds a lock key.
func LockKey(name string) string {
	return LockPrefix + name
}

// ParseStatsKey splits a counter key back into its components. The variant
// and feature are taken from the right so datafile paths survive intact.
// ok is false for keys that do not follow the layout; scans skip those.
func ParseStatsKey(key string) (datafile, feature, variant string, ok bool) {
	rest, found := strings.CutPrefix(key, StatsPrefix)
	if !found {
		return "", "", "", false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", "", "", false
	}
	variant = rest[i+1:]
	rest = rest[:i]
	j := strings.LastIndexByte(rest, ':')
	if j <= 0 {
		return "", "", "", false
	}
	feature = rest[j+1:]
	datafile = rest[:j]
	if datafile == "" || feature == "" || variant == "" {
		return "", "", "", false
	}
	return datafile, feature, variant, true
}
