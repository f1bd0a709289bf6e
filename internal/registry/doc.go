// Package registry stores users, credential bindings, and mirrored container
// levels for the recycling station.
//
// Two backends implement the Store interface: an embedded SQLite database
// (the default, one file under state_dir) and a Redis keyspace shared with
// the web dashboard. Both keep the credential index bidirectional and unique,
// and both rebind credentials atomically through LinkCredential so a
// conflicting concurrent link never leaves two users holding one card.
//
// Lookup methods return (nil, nil) or "" when a record is absent. Write
// failures are tagged with services.ErrPersistence so callers can abort a
// reward without inspecting backend-specific errors.
package registry
