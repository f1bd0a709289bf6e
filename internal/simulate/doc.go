// Package simulate replays scripted recycling sessions against the real
// session, detection, identity, and reward code.
//
// A scenario is a YAML file listing timed steps (classifier labels, card
// presentations, and operator actions) plus expectations about the final
// balances and the emitted event stream. Steps run on a virtual clock, so a
// five second hold completes instantly. The registry is a throwaway SQLite
// database.
package simulate
