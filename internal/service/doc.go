// Package service wires the catalog, detection, scan job, scanner, and merge
// packages into the operations the CLI exposes.
//
// A Service owns one database handle. Commands open it with Open, call one
// or more operations, and Close it. The facade applies configuration policy
// such as reclaiming stale jobs before new scans, the default acting user,
// and whether dismissed detections may be reopened. It keeps that policy out
// of the storage-level packages. Scan and merge outcomes are published
// through the notifications package; delivery failures are only logged.
package service
