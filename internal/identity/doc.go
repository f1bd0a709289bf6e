// Package identity turns credential reader polls into session users.
//
// The Loop is edge-triggered: only a change of the presented UID is acted
// on, and "no card" re-arms it. While a linking session is open every
// presentation is bound to the linking target; otherwise the credential is
// resolved to a user, recorded as the pending user, and rewarded at once when
// a material is already committed.
package identity
