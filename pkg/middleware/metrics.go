package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/srpc-dev/srpc/pkg/srpc"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "srpc").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "srpc",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// Prometheus creates middleware that records per-method request metrics.
//
// Metrics collected:
//   - srpc_requests_total: Counter of handled requests by method and status
//     (status is "ok", "user_error", or "error")
//   - srpc_request_duration_seconds: Histogram of handler duration by method
//
// Example:
//
//	server.Use(middleware.Prometheus(
//	    middleware.WithNamespace("myapp"),
//	))
//	http.Handle("/metrics", promhttp.Handler())
func Prometheus(opts ...MetricsOption) srpc.Middleware {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	m := &metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of handled requests by method and status",
			ConstLabels: config.ConstLabels,
		}, []string{"method", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Handler duration in seconds by method",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"method"}),
	}

	return func(method string, next srpc.Handler) srpc.Handler {
		return func(ctx context.Context, c *srpc.Conn, payload []byte) (any, error) {
			start := time.Now()
			result, err := next(ctx, c, payload)
			m.requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

			status := "ok"
			switch {
			case err == nil:
			case srpc.IsUserError(err):
				status = "user_error"
			default:
				status = "error"
			}
			m.requestsTotal.WithLabelValues(method, status).Inc()

			return result, err
		}
	}
}
