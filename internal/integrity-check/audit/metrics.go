package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medlog_audit_runs_total",
		Help: "Integrity check runs",
	})

	issues = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "medlog_audit_issues",
		Help: "Issues found by the last integrity check, by type",
	}, []string{"type"})

	runDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "medlog_audit_duration_seconds",
		Help:    "Integrity check duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})

	repairedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medlog_audit_repaired_total",
		Help: "Records and blobs removed by repair",
	}, []string{"type"})
)

func observeReport(r *Report, d time.Duration) {
	runsTotal.Inc()
	runDurationSeconds.Observe(d.Seconds())
	issues.WithLabelValues("dangling").Set(float64(len(r.Dangling)))
	issues.WithLabelValues("size_mismatch").Set(float64(len(r.SizeMismatch)))
	issues.WithLabelValues("orphan").Set(float64(len(r.Orphans)))
}
