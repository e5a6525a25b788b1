// Package metrics defines the Prometheus collectors exported by the kiosk.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kiosk"

var (
	// FeedFetches counts playlist polls by outcome (ok, empty, failed).
	FeedFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_fetches_total",
		Help:      "Playlist feed polls by outcome.",
	}, []string{"result"})

	// PlaylistReplacements counts how often the scheduler was handed a new playlist.
	PlaylistReplacements = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playlist_replacements_total",
		Help:      "Playlist replacements applied to the scheduler.",
	})

	// AssetDownloads counts asset fetch attempts by outcome (ok, reused, failed).
	AssetDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "asset_downloads_total",
		Help:      "Asset download attempts by outcome.",
	}, []string{"result"})

	// CacheEntries reports the number of ads with a local copy.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "asset_cache_entries",
		Help:      "Ads currently resolvable to a local copy.",
	})

	// PrefetchDuration observes how long a generation's downloads take to settle.
	PrefetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "prefetch_duration_seconds",
		Help:      "Time for all downloads of a playlist generation to settle.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// CleanupFailures counts swallowed cache eviction errors.
	CleanupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "asset_cleanup_failures_total",
		Help:      "Cache cleanup passes that failed and were skipped.",
	})

	// SlotsStarted counts slot entries by the kind of source committed (local, remote, inline).
	SlotsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slots_started_total",
		Help:      "Slots entered by the scheduler, by committed source kind.",
	}, []string{"source"})

	// Navigations counts operator overrides by direction.
	Navigations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "navigations_total",
		Help:      "Manual navigation requests by direction.",
	}, []string{"direction"})

	// UpdateChecks counts build update checks by outcome (current, available, failed).
	UpdateChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "update_checks_total",
		Help:      "Build update checks by outcome.",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
