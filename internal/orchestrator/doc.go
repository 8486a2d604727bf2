// Package orchestrator turns stream requests into endpoint worker processes.
// The HTTP ingress pushes tasks into a FIFO queue; a single control loop applies
// each task against the shared session registry, hot-updating a running worker
// with a signal or spawning a new one; a reaper collects exited workers.
package orchestrator
