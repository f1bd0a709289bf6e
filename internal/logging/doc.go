// Package logging assembles structured slog loggers and formatting helpers used
// across the ecobin daemon and CLI.
//
// It owns the console and JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so loop code can tag log lines with the
// correlation id and event source of the work in flight. Warnings and errors
// go through WarnWithContext/ErrorWithContext so every line carries an
// event_type and an error_hint an operator can act on.
package logging
