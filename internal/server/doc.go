// Package server implements the HTTP API ingress of the orchestrator.
// Stream requests are validated and queued without waiting for the control loop;
// status, health and Prometheus endpoints expose the registry and service state.
package server
