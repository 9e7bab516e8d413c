// Package telemetry holds the process-wide Prometheus collectors for the
// optimizer. Collectors are registered eagerly; if /metrics is never
// scraped the registration is harmless. Labels are bounded (event type,
// cycle outcome, skip reason), never datafile or variant names.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsIngested counts accepted expose/convert increments by type.
	EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_events_ingested_total",
		Help: "Total exposure/conversion increments applied to the counter store",
	}, []string{"type"})

	// StoreErrors counts failed store operations across all surfaces.
	StoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "optimizer_store_errors_total",
		Help: "Total counter-store operation failures",
	})

	// Cycles counts recalculation cycles by outcome.
	Cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_cycles_total",
		Help: "Total recalculation cycles by outcome (completed, lock_skipped, busy_skipped, error)",
	}, []string{"outcome"})

	// CycleDuration observes completed cycle wall time.
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "optimizer_cycle_duration_seconds",
		Help:    "Duration of completed recalculation cycles",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	})

	// GroupsUpdated counts experiment groups whose weights were rewritten.
	GroupsUpdated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "optimizer_groups_updated_total",
		Help: "Total experiment groups updated by recalculation cycles",
	})

	// GroupsSkipped counts groups passed over, by reason.
	GroupsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_groups_skipped_total",
		Help: "Total experiment groups skipped during recalculation, by reason",
	}, []string{"reason"})

	// DatafilesLoaded tracks the current catalogue size.
	DatafilesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "optimizer_datafiles_loaded",
		Help: "Number of datafiles currently loaded in the catalogue",
	})
)

func init() {
	prometheus.MustRegister(
		EventsIngested, StoreErrors, Cycles, CycleDuration,
		GroupsUpdated, GroupsSkipped, DatafilesLoaded,
	)
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
