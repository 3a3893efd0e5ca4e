package cplscheme

import (
	"fmt"
	"maps"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/luca-patrignani/cosim/mesh"
)

// CouplingData is the coupling view of one exchanged quantity.
// The value buffer belongs to the mesh data and is shared, not copied.
type CouplingData struct {
	data                   *mesh.Data
	previousIteration      []float64
	extrapolationOrder     int
	history                [][]float64 // newest first, at most extrapolationOrder+1
	requiresInitialization bool
}

func NewCouplingData(data *mesh.Data, requiresInitialization bool, extrapolationOrder int) (*CouplingData, error) {
	if extrapolationOrder == UndefinedExtrapolationOrder {
		extrapolationOrder = 0
	}
	if extrapolationOrder < 0 || extrapolationOrder > 2 {
		return nil, fmt.Errorf("%w: extrapolation order %d of data %q, must be 0, 1 or 2",
			ErrConfiguration, extrapolationOrder, data.Name())
	}
	return &CouplingData{
		data:                   data,
		previousIteration:      slices.Clone(data.Values()),
		extrapolationOrder:     extrapolationOrder,
		requiresInitialization: requiresInitialization,
	}, nil
}

func (c *CouplingData) ID() int         { return c.data.ID() }
func (c *CouplingData) Name() string    { return c.data.Name() }
func (c *CouplingData) Dimensions() int { return c.data.Dimensions() }
func (c *CouplingData) Size() int       { return len(c.data.Values()) }

// Values returns the live buffer of the underlying mesh data.
func (c *CouplingData) Values() []float64 { return c.data.Values() }

// PreviousIteration returns the values at the last StoreIteration.
func (c *CouplingData) PreviousIteration() []float64 {
	if len(c.previousIteration) != c.Size() {
		c.previousIteration = resized(c.previousIteration, c.Size())
	}
	return c.previousIteration
}

// StoreIteration snapshots the current values as the previous iterate.
func (c *CouplingData) StoreIteration() {
	c.previousIteration = resized(c.previousIteration, c.Size())
	copy(c.previousIteration, c.Values())
}

func (c *CouplingData) Gradients() []float64         { return c.data.Gradients() }
func (c *CouplingData) HasGradient() bool             { return c.data.HasGradient() }
func (c *CouplingData) RequiresInitialization() bool { return c.requiresInitialization }
func (c *CouplingData) ExtrapolationOrder() int      { return c.extrapolationOrder }

// StoreExtrapolationData records the converged values of the window that just ended.
func (c *CouplingData) StoreExtrapolationData() {
	if c.extrapolationOrder == 0 {
		return
	}
	c.history = slices.Insert(c.history, 0, slices.Clone(c.Values()))
	if len(c.history) > c.extrapolationOrder+1 {
		c.history = c.history[:c.extrapolationOrder+1]
	}
}

// MoveToNextWindow writes the extrapolated initial guess of the next window
// into the values and makes it the previous iterate. While the history is
// shorter than the configured order, a lower order is used.
func (c *CouplingData) MoveToNextWindow() {
	if c.extrapolationOrder == 0 || len(c.history) < 2 {
		return
	}
	values := c.Values()
	for _, h := range c.history {
		if len(h) != len(values) {
			// the data was reallocated; the history no longer applies
			c.history = nil
			return
		}
	}
	switch {
	case c.extrapolationOrder >= 2 && len(c.history) >= 3:
		// 2.5 x_n - 2 x_{n-1} + 0.5 x_{n-2}
		floats.ScaleTo(values, 2.5, c.history[0])
		floats.AddScaled(values, -2, c.history[1])
		floats.AddScaled(values, 0.5, c.history[2])
	default:
		// 2 x_n - x_{n-1}
		floats.ScaleTo(values, 2, c.history[0])
		floats.AddScaled(values, -1, c.history[1])
	}
	c.StoreIteration()
}

func (c *CouplingData) String() string {
	return fmt.Sprintf("%s(id=%d, size=%d)", c.Name(), c.ID(), c.Size())
}

func resized(s []float64, n int) []float64 {
	if cap(s) >= n {
		return s[:n]
	}
	return make([]float64, n)
}

// DataMap indexes coupling data by data id.
type DataMap map[int]*CouplingData

// SortedIDs returns the ids in increasing order, the order in which data
// is exchanged and flattened.
func (m DataMap) SortedIDs() []int {
	return slices.Sorted(maps.Keys(m))
}

// TotalSize is the length of all values flattened in SortedIDs order.
func (m DataMap) TotalSize() int {
	n := 0
	for _, d := range m {
		n += d.Size()
	}
	return n
}

func (m DataMap) merge(other DataMap) {
	for id, d := range other {
		m[id] = d
	}
}
