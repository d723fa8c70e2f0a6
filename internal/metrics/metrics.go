// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestPagesTotal             *prometheus.CounterVec
	harvestBytesTotal             *prometheus.CounterVec
	harvestItemsTotal             *prometheus.CounterVec
	harvestListingPagesTotal      *prometheus.CounterVec
	harvestFetchRetriesTotal      prometheus.Counter
	harvestChunksTotal            *prometheus.CounterVec
	harvestBatchesTotal           *prometheus.CounterVec
	harvestTargetsTotal           *prometheus.CounterVec
	harvestRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		harvestBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		harvestItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_items_total",
				Help: "Items visited, labeled by target and outcome (scraped, known, failed).",
			},
			[]string{"target", "outcome"},
		)

		harvestListingPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_listing_pages_total",
				Help: "Listing pages visited, labeled by target.",
			},
			[]string{"target"},
		)

		harvestFetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_fetch_retries_total",
				Help: "Total number of retried fetches.",
			},
		)

		harvestChunksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_chunks_total",
				Help: "Chunks produced, labeled by outcome (accepted, duplicate).",
			},
			[]string{"outcome"},
		)

		harvestBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_batches_total",
				Help: "Chunk batches handed to the sink, labeled by status.",
			},
			[]string{"status"},
		)

		harvestTargetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_targets_total",
				Help: "Targets processed, labeled by final state.",
			},
			[]string{"state"},
		)

		harvestRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records a page fetch.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	harvestPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		harvestBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveItem counts an item outcome for a target.
func ObserveItem(target, outcome string) {
	Init()
	harvestItemsTotal.WithLabelValues(target, outcome).Inc()
}

// ObserveListingPage counts a listing page visit.
func ObserveListingPage(target string) {
	Init()
	harvestListingPagesTotal.WithLabelValues(target).Inc()
}

// ObserveFetchRetry counts one retried fetch.
func ObserveFetchRetry() {
	Init()
	harvestFetchRetriesTotal.Inc()
}

// ObserveChunks adds n chunks with the given outcome.
func ObserveChunks(outcome string, n int) {
	Init()
	if n <= 0 {
		return
	}
	harvestChunksTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveBatch counts a batch delivery attempt.
func ObserveBatch(status string) {
	Init()
	harvestBatchesTotal.WithLabelValues(status).Inc()
}

// ObserveTarget counts a target reaching a terminal state.
func ObserveTarget(state string) {
	Init()
	harvestTargetsTotal.WithLabelValues(state).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	harvestRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
