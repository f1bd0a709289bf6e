// Package vision supplies material classifications to the detection loop.
//
// The classifier runs as an inference sidecar next to the camera; HTTPSource
// polls it once per tick. Best reduces a frame's detections to the single
// positive material label the debouncer consumes.
package vision
