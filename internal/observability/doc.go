// Package observability provides the logging, metrics and tracing used across
// parley.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler masks API keys, bearer
// tokens and configured patterns before records reach the output. Components
// derive their own logger with logger.With("component", name).
//
// # Metrics
//
// Metrics owns a dedicated Prometheus registry with turn, generation, tool,
// approval, repair and store collectors. All recording methods accept a nil
// receiver.
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to a no-op tracer otherwise.
package observability
