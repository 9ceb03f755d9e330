package attachment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medlog_attachment_operations_total",
		Help: "Attachment operations by operation and result kind",
	}, []string{"operation", "result"})

	uploadedBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "medlog_attachment_upload_bytes",
		Help:    "Size of accepted uploads in bytes",
		Buckets: prometheus.ExponentialBuckets(16<<10, 4, 6),
	})

	// blob removals that failed and left an orphan blob behind
	blobCleanupFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medlog_attachment_blob_cleanup_failures_total",
		Help: "Best-effort blob removals that failed",
	})

	integrityFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medlog_attachment_integrity_failures_total",
		Help: "File records served whose blob is missing",
	})
)

func observe(operation string, err error) {
	operationsTotal.WithLabelValues(operation, Kind(err)).Inc()
}
