// Package broadcast fans session events out to realtime subscribers and
// relays committed materials to the outbound telemetry channel.
//
// The Hub never blocks a producer: each subscriber owns a bounded queue and
// events that do not fit are dropped and counted. Outbound telemetry messages
// go through a second bounded queue drained by Run, so a slow broker cannot
// stall the detection loop. The websocket handler in this package is the
// kiosk UI transport: JSON frames shaped {type, request_id, payload}.
package broadcast
