// Package worker runs one session inside an endpoint process.
//
// A worker moves through Starting, Streaming and WaitingForUpdate until its
// lease runs out, then Stopped. Update notifications arrive on a channel fed by
// signal.Notify, so they are only observed at the wait points of the state
// machine. On the way out the worker removes its own registry record, unless
// the record has meanwhile been handed to another process.
package worker
