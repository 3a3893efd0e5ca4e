// Package history records the time windows completed by a coupling scheme.
//
// Log is append-only. Every Window is chained to its predecessor by a
// SHA-256 hash, so a log written to disk and read back can be checked with
// Verify. Appending checks that window indices are consecutive and that
// start times never decrease.
package history
