// Package orchestrator sequences a deployment run through its linear
// state machine: validate and probe the target, acquire the remote
// lock, fetch source, provision the host, transfer the tree, build the
// image, swap the release in, route the proxy, and verify end to end.
// Every transition is recorded to the run history store; a failure in
// any stage ends the run with the stage's exit code and a report of
// whether a prior release is still serving.
package orchestrator
