package acceleration

import (
	"fmt"

	"github.com/luca-patrignani/cosim/cplscheme"
)

// ConstantRelaxation blends every iterate with the previous one using a
// fixed factor.
type ConstantRelaxation struct {
	omega float64
	ids   []int
}

// NewConstantRelaxation fails unless omega is in (0, 1].
func NewConstantRelaxation(omega float64, ids []int) (*ConstantRelaxation, error) {
	if omega <= 0 || omega > 1 {
		return nil, fmt.Errorf("%w: relaxation factor %g must be in (0, 1]", cplscheme.ErrConfiguration, omega)
	}
	return &ConstantRelaxation{omega: omega, ids: sortedIDs(ids)}, nil
}

func (c *ConstantRelaxation) Omega() float64 { return c.omega }

func (c *ConstantRelaxation) Initialize(data cplscheme.DataMap) error {
	return checkIDs("constant relaxation", c.ids, data)
}

// PerformAcceleration relaxes all data in the map, not only the configured ids.
func (c *ConstantRelaxation) PerformAcceleration(data cplscheme.DataMap) error {
	relaxAll(c.omega, data)
	return nil
}

func (c *ConstantRelaxation) IterationsConverged(cplscheme.DataMap) error { return nil }

func (c *ConstantRelaxation) Close() error { return nil }
