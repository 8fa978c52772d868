// Package metrics registers the service's Prometheus instruments and the
// gin middleware that feeds the HTTP ones.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// defaultBuckets are histogram buckets for request durations (in seconds).
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	TokensTotal           *prometheus.CounterVec
	RateLimitDenialsTotal *prometheus.CounterVec
	UsageEventsDropped    prometheus.Counter
	UpstreamKeyDisables   prometheus.Counter
}

// New creates and registers all metrics with the given registerer. Passing
// nil registers against the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lynxa",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lynxa",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"endpoint"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lynxa",
				Subsystem: "usage",
				Name:      "tokens_total",
				Help:      "Total LLM tokens recorded, by direction",
			},
			[]string{"direction"},
		),
		RateLimitDenialsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lynxa",
				Subsystem: "ratelimit",
				Name:      "denials_total",
				Help:      "Total requests denied by the rate limiter",
			},
			[]string{"endpoint"},
		),
		UsageEventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "lynxa",
				Subsystem: "usage",
				Name:      "events_dropped_total",
				Help:      "Usage events dropped because the recorder queue was full",
			},
		),
		UpstreamKeyDisables: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "lynxa",
				Subsystem: "upstream",
				Name:      "key_disables_total",
				Help:      "Provider keys disabled after repeated failures",
			},
		),
	}
}

// GinMiddleware records request counts and latencies per route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(endpoint, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}
