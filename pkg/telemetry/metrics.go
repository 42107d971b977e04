package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Step outcomes used as metric labels.
const (
	OutcomeExecuted = "executed"
	OutcomePulled   = "pulled"
	OutcomeFailed   = "failed"
)

// Metrics provides Prometheus metrics for job runs. A Metrics built from a
// disabled configuration, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	jobsTotal    *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	activeStep   prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of job launches by final status",
			},
			[]string{"status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of job launches in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of steps by outcome",
			},
			[]string{"outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution or pull in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		activeStep: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_step",
				Help:      "1 while a step is being executed or pulled",
			},
		),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.stepsTotal,
		m.stepDuration,
		m.activeStep,
	)

	return m, nil
}

// RecordJob records a finished job launch.
func (m *Metrics) RecordJob(status string, duration time.Duration) {
	if m == nil || m.jobsTotal == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// StepStarted marks a step as in flight.
func (m *Metrics) StepStarted() {
	if m == nil || m.activeStep == nil {
		return
	}
	m.activeStep.Set(1)
}

// RecordStep records a finished step with its outcome.
func (m *Metrics) RecordStep(outcome string, duration time.Duration) {
	if m == nil || m.stepsTotal == nil {
		return
	}
	m.activeStep.Set(0)
	m.stepsTotal.WithLabelValues(outcome).Inc()
	m.stepDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts serving metrics on the configured address.
// It returns the bound address, which differs from the configured one when
// the port is 0.
func (m *Metrics) StartMetricsServer() (string, error) {
	if m == nil || m.registry == nil || m.config.ListenAddress == "" {
		return "", nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return "", err
	}

	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	return ln.Addr().String(), nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
