// Package storage opens the dedupe SQLite database and provides the shared
// plumbing every store builds on: schema bootstrap and version checks, busy
// retries, transactions, and column encoding helpers.
//
// Detections, scan jobs, merge logs, and the reference catalog share one
// database file so a merge can commit catalog and audit changes atomically.
package storage
