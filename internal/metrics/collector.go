// Package metrics exposes the Listener's Prometheus metrics: poll
// throughput, throttle state, and dispatched-job counts.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/addison-moore/fleetrunner/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collector holds the Listener's Prometheus instruments.
type Collector struct {
	pollCount      *prometheus.CounterVec
	pollDuration   prometheus.Histogram
	throttleDelay  prometheus.Gauge
	jobsDispatched *prometheus.CounterVec
	jobsActive     prometheus.Gauge
}

// NewCollector creates and registers a Collector.
func NewCollector() *Collector {
	c := &Collector{
		pollCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetrunner_listener_poll_total",
				Help: "Total long-poll requests issued by the Listener, by outcome.",
			},
			[]string{"outcome"},
		),
		pollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fleetrunner_listener_poll_duration_seconds",
				Help:    "Long-poll request duration.",
				Buckets: prometheus.DefBuckets,
			},
		),
		throttleDelay: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleetrunner_listener_throttle_delay_seconds",
				Help: "Current ErrorThrottler backoff delay.",
			},
		),
		jobsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetrunner_jobs_dispatched_total",
				Help: "Total jobs dispatched to a Worker, by final TaskResult.",
			},
			[]string{"result"},
		),
		jobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleetrunner_jobs_active",
				Help: "1 if a Worker is currently running, else 0 (at most one per Dispatcher).",
			},
		),
	}

	prometheus.MustRegister(
		c.pollCount,
		c.pollDuration,
		c.throttleDelay,
		c.jobsDispatched,
		c.jobsActive,
	)

	return c
}

// RecordPoll records one long-poll request's outcome and latency.
func (c *Collector) RecordPoll(outcome string, durationSeconds float64) {
	c.pollCount.WithLabelValues(outcome).Inc()
	c.pollDuration.Observe(durationSeconds)
}

// SetThrottleDelay reports the ErrorThrottler's current delay.
func (c *Collector) SetThrottleDelay(seconds float64) {
	c.throttleDelay.Set(seconds)
}

// RecordJobDispatched records a completed dispatch by its final result.
func (c *Collector) RecordJobDispatched(result string) {
	c.jobsDispatched.WithLabelValues(result).Inc()
}

// SetJobActive reports whether a Worker is currently running.
func (c *Collector) SetJobActive(active bool) {
	if active {
		c.jobsActive.Set(1)
	} else {
		c.jobsActive.Set(0)
	}
}

// Server exposes the Collector's metrics over HTTP.
type Server struct {
	cfg    config.MonitoringConfig
	log    *logrus.Entry
	server *http.Server
}

// NewServer creates a metrics Server bound to cfg.MetricsPort.
func NewServer(cfg config.MonitoringConfig, log *logrus.Entry) *Server {
	return &Server{cfg: cfg, log: log}
}

// Start runs the metrics HTTP server until it errors or is shut down. A
// disabled config is a no-op, not an error.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		if s.log != nil {
			s.log.Info("metrics server disabled")
		}
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.MetricsPort),
		Handler: mux,
	}

	if s.log != nil {
		s.log.WithField("port", s.cfg.MetricsPort).Info("starting metrics server")
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
