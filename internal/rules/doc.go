// Package rules stores the detection rules that drive scans.
//
// A rule binds one detection method to a threshold, optionally scoped to a
// single repository. When any rule is enabled, scans evaluate enabled rules
// in priority order (highest first) instead of the configured methods; a
// blocking rule marks its matches as blocking in duplicate checks.
package rules
