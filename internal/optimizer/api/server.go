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

// Package api implements the HTTP surface of the optimizer: event ingest
// (expose/convert), overlayed datafile serving, statistics, and the manual
// recalculation trigger. Handlers do no work beyond JSON codec and store
// round-trips; increments are fire-and-forget from the SDK's perspective.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"bandit/internal/optimizer/catalog"
	"bandit/internal/optimizer/persistence"
	"bandit/internal/optimizer/scheduler"
	"bandit/internal/optimizer/telemetry"
)

// Server handles the HTTP requests of the optimizer service.
type Server struct {
	catalog *catalog.Repository
	store   persistence.CounterStore
	sched   *scheduler.Scheduler
	log     zerolog.Logger
}

// NewServer wires the HTTP surface to its collaborators.
func NewServer(cat *catalog.Repository, store persistence.CounterStore, sched *scheduler.Scheduler, log zerolog.Logger) *Server {
	return &Server{catalog: cat, store: store, sched: sched, log: log}
}

// Routes builds the router. Mounted paths form the service's public
// contract.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/datafile/{path:.+}", s.handleDatafile).Methods(http.MethodGet)
	r.HandleFunc("/expose", s.handleExpose).Methods(http.MethodPost)
	r.HandleFunc("/convert", s.handleConvert).Methods(http.MethodPost)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/recalculate", s.handleRecalculate).Methods(http.MethodPost)
	r.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
	return r
}

// trackRequest is the event shape posted by SDKs to /expose and /convert.
type trackRequest struct {
	Datafile string            `json:"datafile"`
	Features map[string]string `json:"features"`
}

// variantStats is one variant's row in the /stats response.
type variantStats struct {
	Exposures      int64   `json:"exposures"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
	Weight         float64 `json:"weight"`
	LastUpdated    int64   `json:"last_updated"`
}

// handleDatafile serves the weight overlay of one datafile. The overlay
// never fails to serve: a store miss for a variant falls back to the
// declared weight.
func (s *Server) handleDatafile(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	df, ok := s.catalog.Get(path)
	if !ok {
		s.writeError(w, http.StatusNotFound, "datafile not found")
		return
	}

	ctx := r.Context()
	lookup := func(feature, variant string) (float64, bool) {
		counters, err := s.store.GetCounters(ctx, path, feature, variant)
		if err != nil {
			telemetry.StoreErrors.Inc()
			s.log.Warn().Str("datafile", path).Str("feature", feature).
				Err(err).Msg("overlay lookup failed; using declared weight")
			return 0, false
		}
		return counters.Weight, counters.HasWeight
	}
	s.writeJSON(w, http.StatusOK, catalog.Overlay(df, lookup))
}

func (s *Server) handleExpose(w http.ResponseWriter, r *http.Request) {
	s.handleTrack(w, r, "exposure", s.store.IncrExposure)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	s.handleTrack(w, r, "conversion", s.store.IncrConversion)
}

// handleTrack applies one increment per (feature, variant) pair. Feature
// keys are not validated against the datafile: unknown keys increment
// harmlessly and the scheduler ignores their orphaned groups. Increments
// are never retried; a store failure surfaces as 503 and already-applied
// increments stand.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request, kind string, incr func(ctx context.Context, datafile, feature, variant string) error) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Datafile == "" || len(req.Features) == 0 {
		s.writeError(w, http.StatusBadRequest, "datafile and features are required")
		return
	}

	for feature, variant := range req.Features {
		if err := incr(r.Context(), req.Datafile, feature, variant); err != nil {
			telemetry.StoreErrors.Inc()
			s.log.Error().Str("datafile", req.Datafile).Str("feature", feature).
				Err(err).Msgf("failed to record %s", kind)
			s.writeError(w, http.StatusServiceUnavailable, "counter store unavailable")
			return
		}
		telemetry.EventsIngested.WithLabelValues(kind).Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStats reports counters grouped datafile → feature → variant.
// conversion_rate is conversions/exposures with 0 exposures reading as 0;
// conversions above exposures pass through unclamped.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	wantDatafile := r.URL.Query().Get("datafile")
	wantFeature := r.URL.Query().Get("feature")

	prefix := persistence.StatsPrefix
	if wantDatafile != "" {
		prefix += wantDatafile + ":"
		if wantFeature != "" {
			prefix += wantFeature + ":"
		}
	}
	keys, err := s.store.ScanKeys(r.Context(), prefix)
	if err != nil {
		telemetry.StoreErrors.Inc()
		s.writeError(w, http.StatusServiceUnavailable, "counter store unavailable")
		return
	}

	// Union of store-resident variants (including orphans) and
	// catalog-declared variants, so never-exposed variants still report
	// zero counters.
	type ref struct{ datafile, feature, variant string }
	refs := make(map[ref]struct{})
	for _, key := range keys {
		datafile, feature, variant, ok := persistence.ParseStatsKey(key)
		if !ok {
			continue
		}
		// The prefix scan can over-match on shared path prefixes.
		if wantDatafile != "" && datafile != wantDatafile {
			continue
		}
		if wantFeature != "" && feature != wantFeature {
			continue
		}
		refs[ref{datafile, feature, variant}] = struct{}{}
	}
	for _, path := range s.catalog.Paths() {
		if wantDatafile != "" && path != wantDatafile {
			continue
		}
		df, ok := s.catalog.Get(path)
		if !ok {
			continue
		}
		for _, feature := range df.Features() {
			if wantFeature != "" && feature != wantFeature {
				continue
			}
			group, ok := df.Group(feature)
			if !ok {
				continue
			}
			for _, v := range group.Variants {
				refs[ref{path, feature, v.Value}] = struct{}{}
			}
		}
	}

	results := make(map[string]map[string]map[string]variantStats)
	for re := range refs {
		datafile, feature, variant := re.datafile, re.feature, re.variant
		counters, err := s.store.GetCounters(r.Context(), datafile, feature, variant)
		if err != nil {
			telemetry.StoreErrors.Inc()
			s.writeError(w, http.StatusServiceUnavailable, "counter store unavailable")
			return
		}

		row := variantStats{
			Exposures:      counters.Exposures,
			Conversions:    counters.Conversions,
			ConversionRate: conversionRate(counters.Conversions, counters.Exposures),
			Weight:         s.effectiveWeight(datafile, feature, variant, counters),
			LastUpdated:    counters.LastUpdated,
		}
		if results[datafile] == nil {
			results[datafile] = make(map[string]map[string]variantStats)
		}
		if results[datafile][feature] == nil {
			results[datafile][feature] = make(map[string]variantStats)
		}
		results[datafile][feature][variant] = row
	}
	s.writeJSON(w, http.StatusOK, results)
}

// effectiveWeight prefers the stored weight, then the declared datafile
// weight, then zero for orphans.
func (s *Server) effectiveWeight(datafile, feature, variant string, counters persistence.Counters) float64 {
	if counters.HasWeight {
		return counters.Weight
	}
	if df, ok := s.catalog.Get(datafile); ok {
		if group, ok := df.Group(feature); ok {
			for _, v := range group.Variants {
				if v.Value == variant {
					return v.Weight
				}
			}
		}
	}
	return 0
}

func conversionRate(conversions, exposures int64) float64 {
	if exposures <= 0 {
		return 0
	}
	rate := float64(conversions) / float64(exposures)
	return math.Round(rate*10000) / 10000
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	datafile := r.URL.Query().Get("datafile")
	feature := r.URL.Query().Get("feature")
	if datafile == "" || feature == "" {
		s.writeError(w, http.StatusBadRequest, "datafile and feature query parameters are required")
		return
	}
	var limit int64
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := s.store.History(r.Context(), datafile, feature, limit)
	if err != nil {
		telemetry.StoreErrors.Inc()
		s.writeError(w, http.StatusServiceUnavailable, "counter store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"datafile": datafile,
		"feature":  feature,
		"entries":  entries,
	})
}

// handleRecalculate runs one cycle synchronously and returns its summary.
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sched.RunCycle(r.Context())
	switch {
	case errors.Is(err, scheduler.ErrCycleBusy), errors.Is(err, scheduler.ErrLockHeld):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		telemetry.StoreErrors.Inc()
		s.log.Error().Err(err).Msg("manual recalculation failed")
		s.writeError(w, http.StatusServiceUnavailable, "recalculation aborted: "+err.Error())
	default:
		s.writeJSON(w, http.StatusOK, summary)
	}
}

// handleReload re-scans the datafiles directory. The catalogue swap is
// atomic; concurrent readers see the old or the new set, never a mix.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Load(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("datafile reload failed")
		s.writeError(w, http.StatusServiceUnavailable, "reload failed: "+err.Error())
		return
	}
	telemetry.DatafilesLoaded.Set(float64(s.catalog.Len()))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"datafiles": s.catalog.Len(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "counter store unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
