// Package reward applies a committed material to the pending user's point
// balance.
//
// Engine.Apply is the only place the session is credited. It claims the
// committed material and pending user, persists the new balance, and only
// then completes the claim and announces material_processed. A persistence
// failure aborts the claim so the committed material survives and the card
// can be presented again.
package reward
