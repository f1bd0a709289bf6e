// Package services defines shared utilities consumed by the session loops and
// their external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp correlation identifiers and event sources for
//     logging and tracing.
//   - Structured error markers for every failure class the daemon recognises
//     (device, transport, credential, persistence, telemetry) plus the Wrap
//     helper and the Kind mapping used in subscriber events.
//
// Loops classify failures with errors.Is against these markers and recover
// locally; no marker is fatal to a running loop.
package services
