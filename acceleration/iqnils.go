package acceleration

import (
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/luca-patrignani/cosim/cplscheme"
)

// IQNILS is the interface quasi-Newton method with an inverse Jacobian
// from a least-squares model. Each update solves
//
//	min ‖V c + r‖,  x = x̃ + W c
//
// over the residual differences V and iterate differences W.
type IQNILS struct {
	*quasiNewton
}

func NewIQNILS(cfg QNConfig) (*IQNILS, error) {
	q, err := newQuasiNewton("IQN-ILS", cfg)
	if err != nil {
		return nil, err
	}
	return &IQNILS{q}, nil
}

func (a *IQNILS) Initialize(data cplscheme.DataMap) error {
	return a.initialize(data)
}

func (a *IQNILS) PerformAcceleration(data cplscheme.DataMap) error {
	xTilde, residual := a.iterate(data)
	a.updateDifferenceMatrices(xTilde, residual)
	if len(a.v) == 0 {
		a.relax(data)
		return nil
	}
	qr, err := a.factorize()
	if err != nil {
		return err
	}
	if qr.Cols() == 0 {
		a.relax(data)
		return nil
	}
	b := slices.Clone(residual)
	floats.Scale(-1, b)
	c, err := qr.LeastSquares(b)
	if err := a.tolerate(err); err != nil {
		return err
	}
	x := slices.Clone(xTilde)
	for j, cj := range c {
		floats.AddScaled(x, cj, a.w[j])
	}
	scatter(a.ids, data, x)
	a.logger.Debug("quasi-Newton update", "columns", len(c))
	return nil
}

func (a *IQNILS) IterationsConverged(data cplscheme.DataMap) error {
	a.addFinalColumns(data)
	a.endWindow(a.cfg.TimeWindowsReused)
	return nil
}

func (a *IQNILS) Close() error { return nil }
