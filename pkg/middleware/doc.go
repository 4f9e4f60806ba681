// Package middleware provides cross-cutting handler wrappers for SRPC
// servers and clients: structured request logging, Prometheus metrics, and
// OpenTelemetry tracing. Install them with Use on a Server or Client before
// serving traffic.
package middleware
