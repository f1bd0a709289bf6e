// Package session owns the single recycling session shared by the detection
// loop, the identity loop, the reward engine, and the control surfaces.
//
// State is only reachable through methods that take one lock for the whole
// read-modify-write, so a committed material and a resolved user are always
// observed and cleared together. Callers never perform I/O while holding the
// lock: the reward path claims the pair, persists outside, then completes or
// aborts the claim.
package session
