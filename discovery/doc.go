// Package discovery provides the named-endpoint directory used while two
// processes establish a point-to-point connection.
//
// # Establishment
//
// The accepting side opens a listener and publishes its address under a
// name both sides can derive on their own (for example the ring endpoint
// of a rank). The requesting side waits until the name appears, then dials.
// Once connected the accepting side removes the entry again.
//
// # Directories
//
// FileDirectory: one file per endpoint inside a directory shared by all
// processes (a local or network file system). Waiting uses fsnotify with
// a polling fallback.
//
// Registry and Client: an HTTP directory server and its client, for
// setups without a shared file system.
package discovery
