// Package launch builds validated worker invocations.
// The orchestrator uses Invocation to produce argv and environment for a new endpoint process,
// and the endpoint binary binds the same flag names when parsing them back.
package launch
