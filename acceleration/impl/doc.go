// Package impl holds the distributed linear algebra behind multi-rank
// quasi-Newton acceleration.
//
// Vectors and matrices are split by rows over the ranks of a participant:
// rank r owns rows offsets[r] to offsets[r+1] of every distributed matrix.
// Dot products and norms are reduced over the intra communicator.
// ParallelMatrixOperations multiplies matrices that need blocks of every
// rank by circulating the blocks around a ring of point-to-point channels.
package impl
