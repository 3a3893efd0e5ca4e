package network

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRanks runs f on every rank of a LocalGroup and fails on the first error.
func runRanks(t *testing.T, n int, f func(c IntraComm) error) {
	t.Helper()
	comms := LocalGroup(n)
	fatal := make(chan error, n)
	for i := range n {
		go func() {
			fatal <- f(comms[i])
		}()
	}
	for range n {
		if err := <-fatal; err != nil {
			t.Fatal(err)
		}
	}
}

func TestSerial(t *testing.T) {
	var c Serial
	sum, err := AllreduceSum(c, []float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, sum)
	_, err = c.Broadcast(nil, 1)
	assert.Error(t, err)
	parts, err := Gather(c, []float64{4}, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{4}}, parts)
}

func TestLocalGroupCollectives(t *testing.T) {
	n := 4
	runRanks(t, n, func(c IntraComm) error {
		r := c.Rank()
		sum, err := AllreduceSum(c, []float64{float64(r), 1})
		if err != nil {
			return err
		}
		if sum[0] != 6 || sum[1] != 4 {
			return fmt.Errorf("rank %d: sum %v", r, sum)
		}
		sizes, err := AllGatherInts(c, r*10)
		if err != nil {
			return err
		}
		for i, s := range sizes {
			if s != i*10 {
				return fmt.Errorf("rank %d: sizes %v", r, sizes)
			}
		}
		ok, err := BroadcastBool(c, r == 2, 2)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("rank %d: broadcast bool lost", r)
		}
		values, err := BroadcastDoubles(c, []float64{float64(r), 0.5}, 1)
		if err != nil {
			return err
		}
		if len(values) != 2 || values[0] != 1 || values[1] != 0.5 {
			return fmt.Errorf("rank %d: broadcast doubles %v", r, values)
		}
		parts, err := Gather(c, make([]float64, r), 0)
		if err != nil {
			return err
		}
		if r == 0 {
			for i, p := range parts {
				if len(p) != i {
					return fmt.Errorf("gathered %v", parts)
				}
			}
		} else if parts != nil {
			return fmt.Errorf("rank %d: non-root gathered %v", r, parts)
		}
		return Barrier(c)
	})
}
