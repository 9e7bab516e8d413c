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

// Package scheduler runs the periodic Thompson-Sampling recalculation. One
// cycle enumerates all counter keys, groups them by (datafile, feature),
// and rewrites each eligible group's weights. At most one cycle runs per
// process; across processes the store-side lock:recalc arbitrates.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bandit"
	"bandit/internal/optimizer/catalog"
	"bandit/internal/optimizer/persistence"
	"bandit/internal/optimizer/telemetry"
)

var (
	// ErrCycleBusy reports a cycle already running in this process.
	ErrCycleBusy = errors.New("scheduler: a recalculation cycle is already running")

	// ErrLockHeld reports the store-side lock being held, typically by
	// another replica. The tick is skipped, never queued.
	ErrLockHeld = errors.New("scheduler: recalculation lock held elsewhere")
)

// lockName is the store-side lock guarding cycles across replicas.
const lockName = "recalc"

// Skip reasons recorded in cycle summaries.
const (
	reasonOrphan        = "orphan"
	reasonTooFewArms    = "fewer than two variants"
	reasonInsufficient  = "insufficient exposures"
	reasonSamplerFailed = "sampler"
)

// Config carries the scheduler's knobs.
type Config struct {
	Interval     time.Duration // tick period
	MinExposures int64         // per-variant eligibility threshold
	LockTTL      time.Duration // store-lock TTL; must exceed the worst-case cycle
}

// SkippedGroup explains why a group was left untouched this cycle.
type SkippedGroup struct {
	Datafile string `json:"datafile"`
	Feature  string `json:"feature"`
	Reason   string `json:"reason"`
}

// ErroredGroup records a per-group store failure. Other groups proceed.
type ErroredGroup struct {
	Datafile string `json:"datafile"`
	Feature  string `json:"feature"`
	Error    string `json:"error"`
}

// CycleSummary is the result of one recalculation cycle. It is the response
// body of POST /recalculate.
type CycleSummary struct {
	CycleID          string         `json:"cycle_id"`
	StartedAt        time.Time      `json:"started_at"`
	DurationMillis   int64          `json:"duration_ms"`
	GroupsConsidered int            `json:"groups_considered"`
	GroupsUpdated    int            `json:"groups_updated"`
	GroupsSkipped    []SkippedGroup `json:"groups_skipped"`
	GroupsErrored    []ErroredGroup `json:"groups_errored"`
}

// Scheduler owns the background recalculation loop. Construct with New,
// then Start; RunCycle is also invoked directly by POST /recalculate.
type Scheduler struct {
	store   persistence.CounterStore
	catalog *catalog.Repository
	sampler *bandit.Sampler
	cfg     Config
	log     zerolog.Logger

	busy     atomic.Bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopped  uint32
}

// New wires a scheduler. The sampler is owned by the scheduler from here
// on: bandit.Sampler is single-goroutine and RunCycle serializes on busy.
func New(store persistence.CounterStore, cat *catalog.Repository, sampler *bandit.Sampler, cfg Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		catalog:  cat,
		sampler:  sampler,
		cfg:      cfg,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start launches the background ticker loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("recalculation scheduler started")
}

// Stop cancels any running cycle and waits for the loop to exit.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	close(s.stopChan)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("recalculation scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			summary, err := s.RunCycle(ctx)
			switch {
			case errors.Is(err, ErrCycleBusy):
				// Coalesce: the previous cycle (or a manual trigger) is
				// still running.
				telemetry.Cycles.WithLabelValues("busy_skipped").Inc()
				s.log.Debug().Msg("tick skipped: cycle still running")
			case errors.Is(err, ErrLockHeld):
				telemetry.Cycles.WithLabelValues("lock_skipped").Inc()
				s.log.Debug().Msg("tick skipped: lock held by another replica")
			case err != nil:
				telemetry.Cycles.WithLabelValues("error").Inc()
				s.log.Error().Err(err).Msg("recalculation cycle failed; retrying next tick")
			default:
				s.log.Info().
					Str("cycle_id", summary.CycleID).
					Int("considered", summary.GroupsConsidered).
					Int("updated", summary.GroupsUpdated).
					Msg("recalculation cycle completed")
			}
		case <-s.stopChan:
			return
		}
	}
}

// RunCycle executes exactly one recalculation cycle. It returns ErrCycleBusy
// when a cycle is already running in this process and ErrLockHeld when the
// store-side lock could not be taken. Any other error aborted the cycle;
// the next tick retries.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleSummary, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrCycleBusy
	}
	defer s.busy.Store(false)

	token, ok, err := s.store.AcquireLock(ctx, lockName, s.cfg.LockTTL)
	if err != nil {
		telemetry.StoreErrors.Inc()
		return nil, fmt.Errorf("acquire recalc lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	defer func() {
		if err := s.store.ReleaseLock(context.WithoutCancel(ctx), lockName, token); err != nil {
			s.log.Warn().Err(err).Msg("failed to release recalc lock; TTL will expire it")
		}
	}()

	started := time.Now()
	summary := &CycleSummary{
		CycleID:   uuid.NewString(),
		StartedAt: started,
	}

	groups, err := s.discoverGroups(ctx)
	if err != nil {
		telemetry.StoreErrors.Inc()
		return nil, fmt.Errorf("enumerate counter keys: %w", err)
	}
	summary.GroupsConsidered = len(groups)

	for _, ref := range groups {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.processGroup(ctx, ref, started, summary)
	}

	summary.DurationMillis = time.Since(started).Milliseconds()
	telemetry.Cycles.WithLabelValues("completed").Inc()
	telemetry.CycleDuration.Observe(time.Since(started).Seconds())
	return summary, nil
}

type groupRef struct {
	datafile string
	feature  string
}

// discoverGroups scans counter keys and reduces them to unique
// (datafile, feature) pairs in stable order. The scan may duplicate keys;
// the map is the deduplication the store contract asks of callers.
func (s *Scheduler) discoverGroups(ctx context.Context) ([]groupRef, error) {
	keys, err := s.store.ScanKeys(ctx, persistence.StatsPrefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[groupRef]struct{})
	for _, key := range keys {
		df, feat, _, ok := persistence.ParseStatsKey(key)
		if !ok {
			continue
		}
		seen[groupRef{datafile: df, feature: feat}] = struct{}{}
	}
	refs := make([]groupRef, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].datafile != refs[j].datafile {
			return refs[i].datafile < refs[j].datafile
		}
		return refs[i].feature < refs[j].feature
	})
	return refs, nil
}

// processGroup recalculates one experiment group. Failures are recorded in
// the summary and never abort the cycle.
func (s *Scheduler) processGroup(ctx context.Context, ref groupRef, cycleTime time.Time, summary *CycleSummary) {
	// label keeps the metric cardinality bounded; reason may carry detail.
	skipWith := func(label, reason string) {
		summary.GroupsSkipped = append(summary.GroupsSkipped, SkippedGroup{
			Datafile: ref.datafile, Feature: ref.feature, Reason: reason,
		})
		telemetry.GroupsSkipped.WithLabelValues(label).Inc()
	}
	skip := func(reason string) { skipWith(reason, reason) }
	fail := func(err error) {
		summary.GroupsErrored = append(summary.GroupsErrored, ErroredGroup{
			Datafile: ref.datafile, Feature: ref.feature, Error: err.Error(),
		})
		telemetry.StoreErrors.Inc()
		s.log.Warn().Str("datafile", ref.datafile).Str("feature", ref.feature).
			Err(err).Msg("group recalculation failed")
	}

	df, ok := s.catalog.Get(ref.datafile)
	if !ok {
		// Counters for a retired datafile accumulate harmlessly.
		skip(reasonOrphan)
		return
	}
	group, ok := df.Group(ref.feature)
	if !ok {
		skip(reasonOrphan)
		return
	}
	if len(group.Variants) < 2 {
		skip(reasonTooFewArms)
		return
	}

	// Arms follow the datafile's variant order; counters that exist only in
	// the store (retired variants) are ignored, and declared variants with
	// no counters read as zero and fail eligibility below.
	arms := make([]bandit.Arm, len(group.Variants))
	for i, v := range group.Variants {
		counters, err := s.store.GetCounters(ctx, ref.datafile, ref.feature, v.Value)
		if err != nil {
			fail(err)
			return
		}
		if counters.Exposures < s.cfg.MinExposures {
			skip(reasonInsufficient)
			return
		}
		arms[i] = bandit.Arm{
			Name:        v.Value,
			Exposures:   uint64(max(counters.Exposures, 0)),
			Conversions: uint64(max(counters.Conversions, 0)),
		}
	}

	results, err := s.sampler.Evaluate(arms, group.TotalWeight())
	if err != nil {
		skipWith(reasonSamplerFailed, reasonSamplerFailed+": "+err.Error())
		return
	}

	for _, res := range results {
		if err := s.store.SetWeight(ctx, ref.datafile, ref.feature, res.Name, res.Weight, cycleTime); err != nil {
			fail(err)
			return
		}
		// History is best-effort; a miss here must not fail the group.
		entry := persistence.HistoryEntry{
			Variant:   res.Name,
			Weight:    res.Weight,
			ProbBest:  res.ProbBest,
			Timestamp: cycleTime.Unix(),
		}
		if err := s.store.AppendHistory(ctx, ref.datafile, ref.feature, entry); err != nil {
			s.log.Warn().Str("datafile", ref.datafile).Str("feature", ref.feature).
				Err(err).Msg("failed to append weight history")
		}
	}

	summary.GroupsUpdated++
	telemetry.GroupsUpdated.Inc()
	s.log.Info().Str("datafile", ref.datafile).Str("feature", ref.feature).
		Int("variants", len(results)).Msg("group weights updated")
}
