// Package metrics exposes the Prometheus registry of the offline worker.
// Metrics are defined in their respective packages and registered via
// promauto, so importing a package is enough to publish its metrics.
//
// This package provides the scrape handler and the reference of all
// available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the worker.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the counterpart of Registry used for scraping.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler serving all registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - academy_cache_hits_total{backend} (Counter): Store lookups that found an entry
//   - academy_cache_misses_total{backend} (Counter): Store lookups without an entry
//   - academy_cache_writes_total{backend} (Counter): Entries written
//   - academy_cache_errors_total{backend, operation} (Counter): Backend operation errors
//   - academy_cache_stores_dropped_total{backend} (Counter): Stores dropped
//
// Interception Metrics (pkg/intercept):
//   - academy_intercept_requests_total{class, outcome} (Counter): Requests by class and outcome (hit, network, fallback, error)
//   - academy_intercept_duration_seconds{class} (Histogram): Request duration by class
//   - academy_intercept_cache_write_failures_total{class} (Counter): Swallowed cache write failures
//   - academy_intercept_coalesced_total (Counter): Fetches shared with an in-flight request
//
// Network Metrics (pkg/fetch):
//   - academy_fetch_total{class} (Counter): Fetches by outcome (ok, client, server, network)
//   - academy_fetch_duration_seconds (Histogram): Fetch duration
//   - academy_fetch_retries_total{error_class} (Counter): Retry attempts
//   - academy_fetch_retry_exhausted_total{error_class} (Counter): Fetches that exhausted retries
//
// Connectivity Metrics (pkg/connectivity):
//   - academy_origin_online (Gauge): 1 when the origin is reachable
//   - academy_origin_transitions_total{to} (Counter): Online/offline transitions
//
// Lifecycle Metrics (pkg/lifecycle):
//   - academy_lifecycle_installs_total{result} (Counter): Install attempts
//   - academy_lifecycle_stores_purged_total (Counter): Stale stores dropped on activation
//   - academy_lifecycle_clients_claimed_total (Counter): Clients claimed on activation
//
// Archive Metrics (pkg/archive):
//   - academy_archive_total{result} (Counter): Archive runs
//   - academy_archive_assets_total{kind, result} (Counter): Assets stored, failed or skipped
//   - academy_archive_duration_seconds (Histogram): Archive run duration
//   - academy_archive_malformed_records_total (Counter): Lesson records skipped while listing
//
// Protocol Metrics (pkg/protocol, pkg/foreground):
//   - academy_protocol_messages_total{type} (Counter): Messages handled
//   - academy_protocol_clients (Gauge): Connected clients
//   - academy_protocol_broadcasts_total (Counter): Notifications delivered
//   - academy_protocol_broadcasts_dropped_total (Counter): Notifications lost to full inboxes
//   - academy_foreground_downloads_total{outcome} (Counter): Downloads by outcome
//   - academy_foreground_discarded_notifications_total (Counter): Late or unrelated notifications
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(academy_intercept_requests_total{outcome="hit"}[5m])) /
//   sum(rate(academy_intercept_requests_total[5m]))
//
//   # Offline fallbacks served
//   rate(academy_intercept_requests_total{outcome="fallback"}[5m])
//
//   # Origin down
//   academy_origin_online == 0
//
//   # P95 Fetch Latency
//   histogram_quantile(0.95, rate(academy_fetch_duration_seconds_bucket[5m]))
