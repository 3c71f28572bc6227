package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/unbasical/airborne/pkg/events"
)

var (
	PromRegistry         = prometheus.NewRegistry()
	AirborneRegisterer   = prometheus.WrapRegistererWithPrefix("airborne_", PromRegistry)
	DownloadBytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "download_bytes_total",
			Help: "Total number of bytes received by the downloader",
		},
	)
	DownloadRetriesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "download_retries_total",
			Help: "Total number of retried download attempts",
		},
	)
	DownloadFailuresCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_failures_total",
			Help: "Total number of downloads that failed for good",
		},
		[]string{"reason"},
	)
	UpdateSessionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "update_sessions_total",
			Help: "Total number of update sessions by outcome",
		},
		[]string{"outcome"},
	)
	UpdateSessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "update_session_duration_seconds",
			Help:    "Duration of update sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		},
		[]string{"outcome"},
	)
	EventsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_total",
			Help: "Total number of emitted OTA events by type",
		},
		[]string{"type"},
	)
	ReleaseRequestsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "release_requests_total",
			Help: "Total number of release manifest requests served",
		},
		[]string{"organization", "app"},
	)
	HttpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"code", "method", "path"},
	)
	HttpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code", "method", "path"},
	)
)

func init() {
	// register collectors
	AirborneRegisterer.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	AirborneRegisterer.MustRegister(collectors.NewGoCollector())
	// client metrics
	AirborneRegisterer.MustRegister(DownloadBytesCounter)
	AirborneRegisterer.MustRegister(DownloadRetriesCounter)
	AirborneRegisterer.MustRegister(DownloadFailuresCounter)
	AirborneRegisterer.MustRegister(UpdateSessionsCounter)
	AirborneRegisterer.MustRegister(UpdateSessionDuration)
	AirborneRegisterer.MustRegister(EventsCounter)
	// server metrics
	AirborneRegisterer.MustRegister(ReleaseRequestsCounter)
	AirborneRegisterer.MustRegister(HttpRequestsTotal)
	AirborneRegisterer.MustRegister(HttpRequestDuration)
}

// ObserveSession records the outcome and duration of an update session.
func ObserveSession(outcome string, d time.Duration) {
	UpdateSessionsCounter.WithLabelValues(outcome).Inc()
	UpdateSessionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// EventSink counts OTA events by type.
type EventSink struct{}

func (EventSink) Track(e events.Event) error {
	EventsCounter.WithLabelValues(e.Type().String()).Inc()
	return nil
}

// PrometheusMiddleware counts and times requests by route template.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"code":   strconv.Itoa(c.Writer.Status()),
			"method": c.Request.Method,
			"path":   route,
		}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
