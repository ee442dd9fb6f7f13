// Package metrics exposes prometheus collectors for the sync pipeline.
// Grounded on tomtom215-cartographus's internal/metrics package: same
// promauto.New*Vec declaration-block style, same circuit-breaker gauge
// shape (0=closed, 1=half-open, 2=open), narrowed from that repo's
// general-purpose analytics-server metric surface to the five things this
// pipeline needs visibility into: cycle duration, per-field materialization
// outcomes, download throughput, risk-control breaker state, and scheduler
// skips.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CycleDuration is the wall-clock time of one discovery+enrich+
	// materialize cycle for a subscription.
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bili_sync_cycle_duration_seconds",
			Help:    "Duration of one discovery/enrich/materialize cycle",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"subscription_kind"},
	)

	// CycleSkipped counts ticks where the previous cycle was still
	// running.
	CycleSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bili_sync_cycle_skipped_total",
			Help: "Total scheduled ticks skipped because a cycle was already running",
		},
		[]string{"subscription_kind"},
	)

	// DiscoveredVideos counts newly discovered video rows per cycle.
	DiscoveredVideos = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bili_sync_discovered_videos_total",
			Help: "Total videos newly discovered and inserted",
		},
		[]string{"subscription_kind"},
	)

	// EnrichmentOutcomes counts successful enrichment results by outcome:
	// enriched, filtered, invalidated. Errors and risk-control aborts are
	// not counted here.
	EnrichmentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bili_sync_enrichment_outcomes_total",
			Help: "Total enrichment attempts by outcome",
		},
		[]string{"outcome"},
	)

	// MaterializationOutcomes counts per-field materialization attempts
	// by field and outcome: success or retry.
	MaterializationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bili_sync_materialization_outcomes_total",
			Help: "Total per-field materialization attempts by outcome",
		},
		[]string{"field", "outcome"},
	)

	// DownloadBytes is the total payload bytes written to disk, used to
	// reason about throughput alongside cycle duration.
	DownloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bili_sync_download_bytes_total",
			Help: "Total bytes written to disk by the downloader",
		},
	)

	// DownloadChunkRetries counts per-chunk retry attempts.
	DownloadChunkRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bili_sync_download_chunk_retries_total",
			Help: "Total chunk download retries",
		},
	)

	// DownloadMirrorFallbacks counts mirror rotations after a primary
	// URL failure.
	DownloadMirrorFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bili_sync_download_mirror_fallbacks_total",
			Help: "Total times a download fell back to a mirror URL",
		},
	)

	// CircuitBreakerState mirrors the teacher's gauge convention:
	// 0=closed, 1=half-open, 2=open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bili_sync_circuit_breaker_state",
			Help: "Current risk-control circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerTransitions counts state transitions.
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bili_sync_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// GovernorWaitDuration measures how long callers spend waiting for a
	// concurrency slot per tier, surfacing contention.
	GovernorWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bili_sync_governor_wait_seconds",
			Help:    "Time spent waiting to acquire a concurrency slot",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier"},
	)
)
