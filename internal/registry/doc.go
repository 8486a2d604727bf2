// Package registry implements the shared session directory used by the orchestrator and its workers.
// It stores fixed-size session records in one block of shared memory addressed by slot index,
// guarded by a lock that excludes both goroutines and independent processes.
package registry
