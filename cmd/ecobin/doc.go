// Package main hosts the ecobin CLI entrypoint and command graph.
//
// The Cobra command tree runs the daemon, talks to a running daemon over its
// JSON-RPC socket (status, reset, credential linking, notification tests),
// administers the identity registry directly, and replays YAML scenarios
// through the session loops without hardware.
package main
