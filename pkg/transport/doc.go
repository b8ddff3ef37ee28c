/*
Package transport executes commands against a deployment target.

Two runners implement the same contract:

  - Local: commands through the local shell (used by the fetch stage)
  - SSH: commands on the remote target, key-auth only, batch mode

Every command is bounded by a timeout and returns the exit code plus
captured stdout/stderr. Nonzero exits are errors unless the caller opts
into BestEffort for that one command, which keeps silent failure a
deliberate, per-operation choice.

Probe is the connectivity check run once per orchestration before any
mutating step: it executes a no-op with bounded linear-backoff retry,
the only automatic retry at this layer.
*/
package transport
