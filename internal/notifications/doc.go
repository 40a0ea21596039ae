// Package notifications delivers run events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when notifications are
// disabled. Event methods cover the run milestones (started, completed,
// failed, shot uploaded) so the run controller can emit consistent messages
// without duplicating HTTP glue.
//
// Extend this package if you need alternative transports; run code depends
// only on the Service interface.
package notifications
