// Package metrics holds the Prometheus collectors shared by the API process.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// Claims counts ClaimNext invocations by scope kind and outcome
	// (claimed, none, synthesis_failed, error).
	Claims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paging_claims_total",
			Help: "Queue claim attempts partitioned by scope and outcome",
		},
		[]string{"scope", "outcome"},
	)

	// DispatchTicks counts dispatch ticks that ran or were skipped by the re-entrancy guard.
	DispatchTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paging_dispatch_ticks_total",
			Help: "Dispatch loop ticks partitioned by result",
		},
		[]string{"result"},
	)

	Broadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paging_broadcasts_total",
			Help: "Announcements broadcast to area subscribers",
		},
	)

	DroppedSubscribers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paging_dropped_subscribers_total",
			Help: "Subscribers removed because they could not keep up",
		},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paging_subscribers",
			Help: "Live display panel connections",
		},
	)

	SynthesisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paging_synthesis_duration_seconds",
			Help:    "Speech synthesis latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"result"},
	)

	ArtifactsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paging_artifacts_removed_total",
			Help: "Synthesized audio files removed by housekeeping",
		},
	)
)

// Middleware records request counters and latencies.
// Labels use the matched route template to keep cardinality low.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
