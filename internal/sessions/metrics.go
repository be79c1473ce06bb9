package sessions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLiveDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Subsystem: "sessions",
		Name:      "live_documents",
		Help:      "Number of documents currently held in memory.",
	})
	metricConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Subsystem: "sessions",
		Name:      "connected_clients",
		Help:      "Number of clients joined to a live document.",
	})
	metricDocumentLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "sessions",
		Name:      "document_loads_total",
		Help:      "Live document creations by source.",
	}, []string{"source"})
)
