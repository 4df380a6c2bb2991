// Package metrics provides Prometheus metrics for the edclient library and CLI.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/edclient/edclient/internal/logging"
)

var (
	// API request metrics
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edclient_api_requests_total",
			Help: "Total number of school API requests",
		},
		[]string{"endpoint", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edclient_api_request_duration_seconds",
			Help:    "School API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Cloud tree metrics
	folderLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edclient_folder_loads_total",
			Help: "Total folder listings fetched by the lazy cloud tree",
		},
		[]string{"space", "mode", "result"},
	)

	folderLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edclient_folder_load_duration_seconds",
			Help:    "Folder listing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"space"},
	)

	// Content transfer metrics
	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edclient_download_bytes_total",
			Help: "Total bytes downloaded from the school API",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edclient_downloads_total",
			Help: "Total number of downloads",
		},
		[]string{"kind", "status"},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edclient_cache_lookups_total",
			Help: "Blob cache lookups",
		},
		[]string{"result"},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edclient_cache_bytes",
			Help: "Bytes currently held in the blob cache",
		},
	)

	// FUSE metrics
	fuseOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edclient_fuse_operations_total",
			Help: "FUSE operations served by the mount",
		},
		[]string{"operation", "status"},
	)

	// Mirror metrics
	mirrorFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edclient_mirror_files_total",
			Help: "Files handled by mirror runs",
		},
		[]string{"sink", "result"},
	)

	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edclient_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edclient_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	ledgerQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edclient_ledger_query_duration_seconds",
			Help:    "Mirror ledger query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logging.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordAPIRequest records a school API request.
func RecordAPIRequest(endpoint string, success bool, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(endpoint, status(success)).Inc()
	apiRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordFolderLoad records a folder listing made by the cloud tree.
func RecordFolderLoad(space string, reload, success bool, duration time.Duration) {
	mode := "load"
	if reload {
		mode = "reload"
	}
	folderLoadsTotal.WithLabelValues(space, mode, status(success)).Inc()
	folderLoadDuration.WithLabelValues(space).Observe(duration.Seconds())
}

// RecordDownload records a finished download.
func RecordDownload(kind string, bytes int64, success bool) {
	downloadBytesTotal.Add(float64(bytes))
	downloadsTotal.WithLabelValues(kind, status(success)).Inc()
}

// RecordCacheLookup records a blob cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetCacheBytes sets the current blob cache size.
func SetCacheBytes(size int64) {
	cacheBytes.Set(float64(size))
}

// RecordFuseOp records a FUSE operation.
func RecordFuseOp(operation string, success bool) {
	fuseOpsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordMirrorFile records one file handled by a mirror run.
// result is "copied", "skipped" or "failed".
func RecordMirrorFile(sink, result string) {
	mirrorFilesTotal.WithLabelValues(sink, result).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordLedgerQuery records a ledger query duration.
func RecordLedgerQuery(query string, duration time.Duration) {
	ledgerQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}
