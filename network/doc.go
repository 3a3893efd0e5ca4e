// Package network provides the communication layer of the coupling engine.
//
// # Point-to-point
//
// Channel is a blocking, ordered link between two processes carrying ints,
// bools, doubles and vectors of doubles. Communication implements it over TCP,
// with endpoints found through a discovery.Directory; Pipe returns an
// in-memory pair for tests and single-process setups.
//
// # Intra-participant
//
// IntraComm connects the ranks of one participant. Peer (adapted by P2P)
// talks HTTP between processes, LocalGroup runs ranks as goroutines and
// Serial is the trivial single-rank communicator. AllreduceSum, Gather,
// BroadcastDoubles and the other collectives are built on Broadcast and
// AllToAll.
//
// # M2N
//
// M2N joins the two: rank 0 of each participant holds the Channel and the
// remaining ranks take part through gather and scatter.
//
// # Synchronization
//
// Peer collectives include an implicit barrier, so no peer can proceed
// until all peers have taken part in the round.
package network
