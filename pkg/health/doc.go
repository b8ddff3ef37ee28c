// Package health implements the liveness probes run against a freshly
// started release before traffic is switched to it.
//
// Three checkers share one interface: TCP (connect to the published
// port), HTTP (HEAD against the served root) and Command (a probe
// command run on the target through a transport Runner, for hosts whose
// ports are not reachable from the operator's machine).
//
// Wait drives a checker inside a bounded retry window. A release is
// never swapped in until Wait returns nil; on failure the release
// manager removes the candidate and leaves the prior release serving.
package health
