// Package metrics defines the Prometheus metrics exported by the media orchestrator.
package metrics
