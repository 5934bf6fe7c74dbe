// Package fileutil holds small filesystem helpers shared by the CLI:
// atomic report writes and attachment checksumming.
package fileutil
