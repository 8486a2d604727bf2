// Package telemetry ships quality observations from endpoint workers to an
// InfluxDB v2 write endpoint using the line protocol. Settings travel from the
// orchestrator to each worker through environment variables; a missing URL
// disables reporting without failing the worker.
package telemetry
