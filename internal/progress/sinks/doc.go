// Package sinks implements progress consumers: structured logs, Prometheus
// run metrics, and an event publisher that forwards run events to Pub/Sub or
// Kafka for downstream dashboards.
package sinks
