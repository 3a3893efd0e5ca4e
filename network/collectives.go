package network

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

func encodeDoubles(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func bytesToDoubles(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a vector of doubles", ErrSizeMismatch, len(buf))
	}
	values := make([]float64, len(buf)/8)
	decodeDoubles(buf, values)
	return values, nil
}

// Barrier returns once every rank of c has entered it.
func Barrier(c IntraComm) error {
	_, err := c.AllToAll(nil)
	return err
}

// AllreduceSum returns the element-wise sum of values over all ranks.
// Every rank must pass a slice of the same length. The sum is accumulated in
// rank order so all ranks obtain bit-identical results.
func AllreduceSum(c IntraComm, values []float64) ([]float64, error) {
	if c.Size() == 1 {
		out := make([]float64, len(values))
		copy(out, values)
		return out, nil
	}
	recv, err := c.AllToAll(encodeDoubles(values))
	if err != nil {
		return nil, err
	}
	sum := make([]float64, len(values))
	for rank, buf := range recv {
		part, err := bytesToDoubles(buf)
		if err != nil {
			return nil, err
		}
		if len(part) != len(sum) {
			return nil, fmt.Errorf("%w: rank %d reduced %d values, expected %d", ErrSizeMismatch, rank, len(part), len(sum))
		}
		floats.Add(sum, part)
	}
	return sum, nil
}

// AllGatherInts returns v of every rank, indexed by rank.
func AllGatherInts(c IntraComm, v int) ([]int, error) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
	recv, err := c.AllToAll(buf[:])
	if err != nil {
		return nil, err
	}
	out := make([]int, len(recv))
	for rank, b := range recv {
		if len(b) != 8 {
			return nil, fmt.Errorf("%w: rank %d sent %d bytes", ErrSizeMismatch, rank, len(b))
		}
		out[rank] = decodeInt(b)
	}
	return out, nil
}

// BroadcastBool returns v of root on every rank.
func BroadcastBool(c IntraComm, v bool, root int) (bool, error) {
	var buf [1]byte
	if v {
		buf[0] = 1
	}
	recv, err := c.Broadcast(buf[:], root)
	if err != nil {
		return false, err
	}
	if len(recv) != 1 {
		return false, fmt.Errorf("%w: broadcast bool of %d bytes", ErrSizeMismatch, len(recv))
	}
	return recv[0] != 0, nil
}

// BroadcastDoubles returns values of root on every rank.
func BroadcastDoubles(c IntraComm, values []float64, root int) ([]float64, error) {
	var buf []byte
	if c.Rank() == root {
		buf = encodeDoubles(values)
	}
	recv, err := c.Broadcast(buf, root)
	if err != nil {
		return nil, err
	}
	return bytesToDoubles(recv)
}

// Gather collects values of every rank on root, indexed by rank.
// Ranks other than root receive nil.
func Gather(c IntraComm, values []float64, root int) ([][]float64, error) {
	recv, err := c.AllToAll(encodeDoubles(values))
	if err != nil {
		return nil, err
	}
	if c.Rank() != root {
		return nil, nil
	}
	out := make([][]float64, len(recv))
	for rank, buf := range recv {
		if out[rank], err = bytesToDoubles(buf); err != nil {
			return nil, err
		}
	}
	return out, nil
}
