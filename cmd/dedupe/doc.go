// Package main hosts the dedupe CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into calls on
// the service facade: scanning the catalog for duplicate pairs, reviewing
// and reporting detections, merging confirmed pairs, and inspecting scan
// jobs. It centralizes configuration resolution, logger construction, and
// exit-code mapping so subcommands can focus on presentation.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
