// Package logging assembles structured slog loggers and formatting helpers used
// across dedupe components.
//
// It owns the console and JSON handlers, fans records out to stderr and the
// persistent log file, and exposes context-aware helpers so scanner and merge
// code can tag log lines with job IDs, detection IDs, and request IDs. The
// package also provides a no-op logger for tests.
package logging
