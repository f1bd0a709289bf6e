// Package ipc exposes the daemon over JSON-RPC Unix sockets and ships the
// matching client used by the CLI.
//
// It owns socket lifecycle management and the request/response DTOs for the
// operator controls: status, session reset, credential linking, and the
// notification test. Reuse these types when adding new RPC endpoints to keep
// the protocol stable for existing command implementations.
package ipc
