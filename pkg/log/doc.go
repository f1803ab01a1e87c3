/*
Package log provides structured logging for imagegend using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: false,
	})

Component loggers carry a stable field so log lines can be filtered per
subsystem:

	logger := log.WithComponent("worker")
	logger.Info().Str("task_id", id).Msg("task picked up")

Task-scoped helpers attach identifiers the whole pipeline shares:

	log.WithTaskID(task.ID).Debug().Msg("placeholder rows created")
	log.WithProvider("openai").Warn().Err(err).Msg("retrying upstream call")

JSON output is intended for production; console output (RFC3339 timestamps)
for local development.
*/
package log
