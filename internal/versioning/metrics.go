package versioning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricVersionsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "versioning",
		Name:      "versions_saved_total",
		Help:      "Version records persisted by the auto-versioning policy.",
	})
	metricVersionsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "versioning",
		Name:      "versions_skipped_total",
		Help:      "Change evaluations that did not persist a version, by reason.",
	}, []string{"reason"})
	metricSaveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "versioning",
		Name:      "save_failures_total",
		Help:      "Version saves that failed and will be retried on the next qualifying change.",
	})
	metricLatestWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "versioning",
		Name:      "latest_snapshot_writes_total",
		Help:      "Latest snapshot flushes.",
	})
	metricLatestFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "versioning",
		Name:      "latest_snapshot_failures_total",
		Help:      "Latest snapshot flushes that failed.",
	})
)
