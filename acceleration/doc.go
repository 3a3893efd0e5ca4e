// Package acceleration implements the fixed-point accelerations an implicit
// coupling scheme applies after every non-converged exchange: constant
// relaxation, Aitken relaxation and the quasi-Newton variants IQN-ILS and
// IQN-IMVJ.
//
// Every acceleration is configured with the ids of the data it works on.
// Values are flattened over these ids in increasing id order; on several
// ranks each rank flattens its local part and all inner products are
// reduced over the intra communicator.
package acceleration
