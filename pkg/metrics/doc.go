// Package metrics defines the Prometheus collectors for deployment
// runs: per-stage durations and failures, run outcomes, and executed
// command counts. The registry is exposed over HTTP only when the
// operator passes --metrics-addr.
package metrics
