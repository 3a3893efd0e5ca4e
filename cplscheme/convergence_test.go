package cplscheme

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/cosim/network"
)

func TestAbsoluteConvergenceMeasure(t *testing.T) {
	m, err := NewAbsoluteConvergenceMeasure(0.5)
	require.NoError(t, err)
	require.NoError(t, m.Measure(network.Serial{}, []float64{0, 0}, []float64{0.3, 0.4}))
	assert.True(t, m.IsConvergence())
	require.NoError(t, m.Measure(network.Serial{}, []float64{0, 0}, []float64{0.3, 0.5}))
	assert.False(t, m.IsConvergence())
	assert.Contains(t, m.String(), "absolute")

	_, err = NewAbsoluteConvergenceMeasure(0)
	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorIs(t, m.Measure(network.Serial{}, []float64{0}, []float64{0, 1}), ErrProtocol)
}

func TestRelativeConvergenceMeasure(t *testing.T) {
	m, err := NewRelativeConvergenceMeasure(0.1)
	require.NoError(t, err)
	require.NoError(t, m.Measure(network.Serial{}, []float64{10, 0}, []float64{10.5, 0}))
	assert.True(t, m.IsConvergence())
	require.NoError(t, m.Measure(network.Serial{}, []float64{10, 0}, []float64{12, 0}))
	assert.False(t, m.IsConvergence())

	_, err = NewRelativeConvergenceMeasure(1.5)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestResidualRelativeConvergenceMeasure(t *testing.T) {
	m, err := NewResidualRelativeConvergenceMeasure(0.1)
	require.NoError(t, err)
	old := []float64{0}
	require.NoError(t, m.Measure(network.Serial{}, old, []float64{2}))
	assert.False(t, m.IsConvergence())
	require.NoError(t, m.Measure(network.Serial{}, old, []float64{0.5}))
	assert.False(t, m.IsConvergence())
	require.NoError(t, m.Measure(network.Serial{}, old, []float64{0.1}))
	assert.True(t, m.IsConvergence())

	// a new window measures against its own first residual
	m.NewMeasurementSeries()
	require.NoError(t, m.Measure(network.Serial{}, old, []float64{0.1}))
	assert.False(t, m.IsConvergence())
}

func TestMinIterationConvergenceMeasure(t *testing.T) {
	m, err := NewMinIterationConvergenceMeasure(2)
	require.NoError(t, err)
	require.NoError(t, m.Measure(nil, nil, nil))
	assert.False(t, m.IsConvergence())
	require.NoError(t, m.Measure(nil, nil, nil))
	assert.True(t, m.IsConvergence())
	m.NewMeasurementSeries()
	assert.False(t, m.IsConvergence())
}

// Norms are global: ranks holding parts of the same vector agree on the verdict.
func TestConvergenceMeasureDistributed(t *testing.T) {
	comms := network.LocalGroup(2)
	// global residual is (0.3, 0.4), norm 0.5
	parts := [][]float64{{0.3}, {0.4}}
	fatal := make(chan error, 2)
	for r, c := range comms {
		go func() {
			m, err := NewAbsoluteConvergenceMeasure(0.45)
			if err != nil {
				fatal <- err
				return
			}
			if err := m.Measure(c, []float64{0}, parts[r]); err != nil {
				fatal <- err
				return
			}
			if m.IsConvergence() {
				fatal <- fmt.Errorf("rank %d converged on a local norm", r)
				return
			}
			fatal <- nil
		}()
	}
	for range comms {
		require.NoError(t, <-fatal)
	}
}

func TestMeasureConvergenceCombination(t *testing.T) {
	data := DataMap{0: newCouplingData(t, 0, 1)}
	min2, err := NewMinIterationConvergenceMeasure(2)
	require.NoError(t, err)
	entries := []*measureEntry{
		{dataID: 0, measure: &neverConverges{}},
		{dataID: 0, measure: min2, suffices: true},
	}
	v, err := measureConvergence(network.Serial{}, entries, data)
	require.NoError(t, err)
	assert.False(t, v.converged)
	v, err = measureConvergence(network.Serial{}, entries, data)
	require.NoError(t, err)
	assert.True(t, v.converged)

	v, err = measureConvergence(network.Serial{}, nil, data)
	require.NoError(t, err)
	assert.True(t, v.converged)

	strict := []*measureEntry{{dataID: 0, measure: &neverConverges{}, strict: true}}
	v, err = measureConvergence(network.Serial{}, strict, data)
	require.NoError(t, err)
	assert.True(t, v.strictFailed)
}
