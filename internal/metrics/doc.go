// Package metrics exposes Prometheus series for message processing and
// guarded dependency calls. Series are registered on the default registry
// at init and served by promhttp at /metrics.
package metrics
