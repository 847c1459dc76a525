// Package metrics exposes the process's Prometheus counters and
// gauges at /metrics, the domain-stack wiring of
// github.com/prometheus/client_golang into the ambient HTTP mux the
// health package's Checker also serves from.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ambisync",
		Name:      "frames_sent_total",
		Help:      "LED frames handed to the UDP sender by a playback engine.",
	})

	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ambisync",
		Name:      "frames_dropped_total",
		Help:      "LED frames a playback engine did not send: unreadable payloads and frames skipped by last_only catch-up.",
	})

	ActiveEngines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ambisync",
		Name:      "active_engines",
		Help:      "Playback engines currently tracked by the session orchestrator.",
	})

	CatalogQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ambisync",
		Name:      "catalog_queue_depth",
		Help:      "Catalog items currently pending extraction.",
	})

	ExtractionAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ambisync",
		Name:      "extraction_attempts_total",
		Help:      "Extraction attempts by outcome.",
	}, []string{"outcome"}) // "completed" or "failed"

	UDPSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ambisync",
		Name:      "udp_sent_total",
		Help:      "UDP datagrams written to a WLED socket.",
	})

	UDPSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ambisync",
		Name:      "udp_skipped_total",
		Help:      "UDP sends skipped due to a would-block condition.",
	})

	UDPErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ambisync",
		Name:      "udp_errors_total",
		Help:      "UDP sends that failed for a reason other than would-block.",
	})
)

func init() {
	prometheus.MustRegister(
		FramesSent,
		FramesDropped,
		ActiveEngines,
		CatalogQueueDepth,
		ExtractionAttempts,
		UDPSent,
		UDPSkipped,
		UDPErrors,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
