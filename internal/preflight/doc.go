// Package preflight provides readiness checks for the filesystem paths and
// database that dedupe depends on.
//
// These checks run in two contexts:
//   - The CLI "dedupe doctor" command runs RunAll and prints every result.
//   - Long-running commands (scan, merge) call RunAll before touching the
//     catalog so a read-only data directory or a corrupt database fails fast
//     instead of halfway through a job.
package preflight
