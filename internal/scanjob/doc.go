// Package scanjob tracks scan progress so long scans can report status and
// resume from their last checkpoint.
//
// A job moves pending -> running -> completed|failed. Failed jobs (and
// running jobs abandoned by a crashed process) can be started again; they
// resume after LastCheckpointID. Processed only ever grows and never
// exceeds TotalRecords.
package scanjob
