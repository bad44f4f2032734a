/*
Package log provides structured logging for Flotilla using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

Initialize once at process startup, then derive child loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("manager")
	logger.Info().Str("endpoint", name).Msg("Endpoint managed")

Child loggers carry a fixed field (component, manager_id, endpoint or driver)
so that a single manager process interleaving work for many endpoints stays
greppable. Reconciliation code logs errors and continues; nothing in this
package panics.
*/
package log
