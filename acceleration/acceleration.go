package acceleration

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/luca-patrignani/cosim/cplscheme"
)

func sortedIDs(ids []int) []int {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return slices.Compact(sorted)
}

// checkIDs fails if a configured id has no coupling data.
func checkIDs(name string, ids []int, data cplscheme.DataMap) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: %s is configured without data", cplscheme.ErrConfiguration, name)
	}
	for _, id := range ids {
		if _, ok := data[id]; !ok {
			return fmt.Errorf("%w: %s is configured for data %d, which is not exchanged",
				cplscheme.ErrConfiguration, name, id)
		}
	}
	return nil
}

// flatten concatenates the values of ids, or their previous iterates.
func flatten(ids []int, data cplscheme.DataMap, previous bool) []float64 {
	var out []float64
	for _, id := range ids {
		if previous {
			out = append(out, data[id].PreviousIteration()...)
		} else {
			out = append(out, data[id].Values()...)
		}
	}
	return out
}

// scatter writes x back into the values of ids.
func scatter(ids []int, data cplscheme.DataMap, x []float64) {
	offset := 0
	for _, id := range ids {
		values := data[id].Values()
		copy(values, x[offset:offset+len(values)])
		offset += len(values)
	}
}

// relax replaces the values of d with omega·values + (1−omega)·previous.
func relax(omega float64, d *cplscheme.CouplingData) {
	values := d.Values()
	floats.Scale(omega, values)
	floats.AddScaled(values, 1-omega, d.PreviousIteration())
}

func relaxAll(omega float64, data cplscheme.DataMap) {
	for _, d := range data {
		relax(omega, d)
	}
}
