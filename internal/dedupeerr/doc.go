// Package dedupeerr defines the error taxonomy shared by the scanner,
// detection store, and merge engine.
//
// Errors are tagged with one of the exported sentinel markers so callers can
// classify them with errors.Is regardless of how many layers wrapped them.
// The CLI maps each marker to a distinct exit code.
package dedupeerr
