package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate(t *testing.T) {
	d := NewData(3, "Velocities", 2)
	assert.Equal(t, 3, d.ID())
	assert.Equal(t, "Velocities", d.Name())
	assert.Empty(t, d.Values())

	d.Allocate(2)
	require.Len(t, d.Values(), 4)
	require.NoError(t, d.SetValues([]float64{1, 2, 3, 4}))

	// growing keeps the existing values and zeroes the new ones
	d.Allocate(3)
	assert.Equal(t, []float64{1, 2, 3, 4, 0, 0}, d.Values())
	d.Allocate(1)
	assert.Equal(t, []float64{1, 2}, d.Values())
	d.Allocate(3)
	assert.Equal(t, []float64{1, 2, 0, 0, 0, 0}, d.Values(), "shrunk values do not reappear")
}

func TestValuesAreShared(t *testing.T) {
	d := NewData(0, "Forces", 1)
	d.Allocate(2)
	d.Values()[1] = 7
	assert.Equal(t, 7.0, d.Values()[1])
	assert.Error(t, d.SetValues([]float64{1}))
}

func TestGradients(t *testing.T) {
	d := NewData(0, "Temperature", 1)
	assert.False(t, d.HasGradient())
	d.RequireGradient(3)
	d.Allocate(2)
	assert.True(t, d.HasGradient())
	assert.Len(t, d.Gradients(), 6)
}

func TestDimensionsAtLeastOne(t *testing.T) {
	assert.Equal(t, 1, NewData(0, "Pressure", 0).Dimensions())
}
