// Package notifications delivers operator alerts via ntfy.
//
// The default implementation publishes to the topic configured in
// config.toml and degrades to a no-op when notifications are disabled.
// Container-full alerts are deduplicated per container so a bin hovering
// around the threshold does not page the operator on every sensor report.
package notifications
