// Package daemon coordinates the long-running ecobin process.
//
// It wires configuration, the identity registry, the shared session, the
// broadcast hub, the detection and identity loops, the reward engine, the
// MQTT telemetry client, and the reader hotplug monitor into a single
// lifecycle with flock-based locking to prevent multiple instances. The
// daemon also implements the operator surface shared by the websocket
// protocol, the HTTP API, and the JSON-RPC socket: status, reset, and the
// credential linking controls.
//
// Keep orchestration logic here: the debounce, resolution, and reward rules
// live in their own packages while the daemon focuses on startup, shutdown,
// and high level coordination.
package daemon
