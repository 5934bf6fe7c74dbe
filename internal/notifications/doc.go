// Package notifications delivers scan and merge events to operators.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when notifications are disabled.
// Delivery failures are returned to the caller, which logs them; a lost
// notification never fails a scan or a merge.
package notifications
