// Package log provides structured logging for moor built on zerolog.
//
// A single global logger is initialized once at startup from the CLI
// flags. Components obtain child loggers scoped with a component field
// and add run_id, stage, or target fields themselves so every line of a
// deployment run can be correlated. Credentials are redacted by callers
// before values reach this package; nothing here ever receives a raw
// credential.
package log
