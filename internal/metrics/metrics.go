// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/suPer8Hu/copilot/internal/analytics"
)

type Metrics struct {
	Requests       *prometheus.CounterVec
	Steps          *prometheus.CounterVec
	Clarifications prometheus.Counter
	Queued         prometheus.Counter
	Drained        *prometheus.CounterVec
	GoneSends      prometheus.Counter
	RequestSeconds prometheus.Histogram
	HTTPRequests   *prometheus.CounterVec
	HTTPSeconds    *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copilot", Name: "requests_total",
			Help: "Processed copilot requests by outcome.",
		}, []string{"outcome"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copilot", Name: "steps_total",
			Help: "Executed steps by intent and outcome.",
		}, []string{"intent", "outcome"}),
		Clarifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "copilot", Name: "clarifications_total",
			Help: "Clarification questions sent.",
		}),
		Queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "copilot", Name: "queued_total",
			Help: "Requests deferred by admission control.",
		}),
		Drained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copilot", Name: "drained_total",
			Help: "Queue drain attempts by outcome.",
		}, []string{"outcome"}),
		GoneSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "copilot", Name: "connection_gone_total",
			Help: "Sends that found the client connection gone.",
		}),
		RequestSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "copilot", Name: "request_duration_seconds",
			Help:    "End-to-end processing time.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copilot", Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "copilot", Name: "http_request_duration_seconds",
			Help:    "HTTP handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.Requests, m.Steps, m.Clarifications, m.Queued, m.Drained,
		m.GoneSends, m.RequestSeconds, m.HTTPRequests, m.HTTPSeconds,
	)
	return m
}

// Record implements analytics.Sink.
func (m *Metrics) Record(ev analytics.Event) {
	switch ev.Type {
	case analytics.EventRequest:
		m.Requests.WithLabelValues(ev.Outcome).Inc()
		if ev.Duration > 0 {
			m.RequestSeconds.Observe(ev.Duration.Seconds())
		}
	case analytics.EventStep:
		m.Steps.WithLabelValues(ev.Intent, ev.Outcome).Inc()
	case analytics.EventClarification:
		m.Clarifications.Inc()
	case analytics.EventQueued:
		m.Queued.Inc()
	case analytics.EventDrained:
		m.Drained.WithLabelValues(ev.Outcome).Inc()
	case analytics.EventConnection:
		m.GoneSends.Inc()
	}
}

// GinMiddleware records per-route request counts and latency.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPSeconds.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
