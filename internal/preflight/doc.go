// Package preflight provides readiness checks for the directories, devices,
// and services ecobin depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll at startup and logs a warning for each failure.
//     A failed check never blocks startup; the affected input runs degraded.
//   - The CLI "ecobin doctor" command prints every result.
//
// Each check is gated by its config value; unconfigured inputs are skipped.
package preflight
