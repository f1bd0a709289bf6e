// Package detection turns classifier ticks into committed materials.
//
// The Loop polls a vision.Source, reduces each frame to its best positive
// label, and feeds it to the session's hold-time debouncer. A material
// observed continuously for the hold time is committed exactly once; the
// commit is announced to subscribers, relayed on the telemetry channel, and
// rewarded immediately when a user is already waiting. While a material is
// committed the classifier is not polled.
package detection
