package cplscheme

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/cosim/mesh"
)

func newCouplingData(t *testing.T, order int, values ...float64) *CouplingData {
	t.Helper()
	d := mesh.NewData(3, "Temperature", 1)
	d.Allocate(len(values))
	require.NoError(t, d.SetValues(values))
	cd, err := NewCouplingData(d, false, order)
	require.NoError(t, err)
	return cd
}

func TestCouplingDataSharesBuffer(t *testing.T) {
	d := mesh.NewData(7, "Velocity", 2)
	d.Allocate(2)
	cd, err := NewCouplingData(d, true, UndefinedExtrapolationOrder)
	require.NoError(t, err)
	assert.Equal(t, 7, cd.ID())
	assert.Equal(t, 2, cd.Dimensions())
	assert.Equal(t, 4, cd.Size())
	assert.Equal(t, 0, cd.ExtrapolationOrder())
	assert.False(t, cd.HasGradient())

	cd.Values()[3] = 1.5
	assert.Equal(t, 1.5, d.Values()[3])
	assert.Equal(t, 0.0, cd.PreviousIteration()[3])
	cd.StoreIteration()
	assert.Equal(t, 1.5, cd.PreviousIteration()[3])
	d.Values()[3] = 2
	assert.Equal(t, 1.5, cd.PreviousIteration()[3])
}

func TestCouplingDataRejectsOrder(t *testing.T) {
	d := mesh.NewData(0, "Pressure", 1)
	_, err := NewCouplingData(d, false, 3)
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = NewCouplingData(d, false, -2)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestExtrapolation(t *testing.T) {
	tests := []struct {
		order    int
		windows  []float64
		expected float64
	}{
		{0, []float64{1, 2, 4}, 4},
		{1, []float64{1}, 1},
		{1, []float64{1, 2, 4}, 6},
		// order 2 falls back to order 1 with two windows
		{2, []float64{1, 3}, 5},
		{2, []float64{1, 2, 4}, 2.5*4 - 2*2 + 0.5*1},
	}
	for _, tt := range tests {
		cd := newCouplingData(t, tt.order, 0)
		for _, v := range tt.windows {
			cd.Values()[0] = v
			cd.StoreExtrapolationData()
			cd.MoveToNextWindow()
		}
		assert.InDelta(t, tt.expected, cd.Values()[0], 1e-12, "order %d after %v", tt.order, tt.windows)
		if tt.order > 0 && len(tt.windows) > 1 {
			assert.InDelta(t, tt.expected, cd.PreviousIteration()[0], 1e-12)
		}
	}
}

func TestDataMapSortedIDs(t *testing.T) {
	m := DataMap{}
	for _, id := range []int{5, 1, 3} {
		d := mesh.NewData(id, "d", 1)
		d.Allocate(id)
		cd, err := NewCouplingData(d, false, 0)
		require.NoError(t, err)
		m[id] = cd
	}
	assert.Equal(t, []int{1, 3, 5}, m.SortedIDs())
	assert.Equal(t, 9, m.TotalSize())
}
