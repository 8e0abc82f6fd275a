/*
Package log provides structured logging for benchd using zerolog.

The package wraps zerolog to provide JSON-structured logging with
component-scoped child loggers, configurable levels, and an optional
console format for local development. All logs carry timestamps and a
component field so a single service log can be filtered per subsystem.

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Then derive component loggers anywhere:

	logger := log.WithComponent("executor")
	logger.Info().Str("exec_id", id).Msg("Exec admitted")

Child loggers are cheap; create them per call site rather than storing
them on structs.
*/
package log
