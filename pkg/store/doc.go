// Package store persists deployment run history in a local BoltDB
// file: one record per run plus an append-only stream of stage
// transitions. Requests are redacted before they are marshaled, so
// credentials never reach disk.
package store
