package acceleration

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/luca-patrignani/cosim/cplscheme"
	"github.com/luca-patrignani/cosim/network"
)

// Aitken relaxes with a factor that adapts to the last two residuals:
//
//	ω_k = −ω_{k−1} · r_{k−1}·(r_k − r_{k−1}) / ‖r_k − r_{k−1}‖²
//
// The first iteration of every window uses the initial factor, bounded by
// the magnitude reached in the previous window.
type Aitken struct {
	initial      float64
	ids          []int
	comm         network.IntraComm
	logger       *slog.Logger
	omega        float64
	iterations   int
	prevResidual []float64
}

func NewAitken(initialRelaxation float64, ids []int, comm network.IntraComm) (*Aitken, error) {
	if initialRelaxation <= 0 || initialRelaxation > 1 {
		return nil, fmt.Errorf("%w: initial relaxation %g must be in (0, 1]", cplscheme.ErrConfiguration, initialRelaxation)
	}
	if comm == nil {
		comm = network.Serial{}
	}
	return &Aitken{
		initial: initialRelaxation,
		ids:     sortedIDs(ids),
		comm:    comm,
		logger:  slog.Default(),
		omega:   initialRelaxation,
	}, nil
}

// Omega is the factor applied by the last PerformAcceleration.
func (a *Aitken) Omega() float64 { return a.omega }

func (a *Aitken) Initialize(data cplscheme.DataMap) error {
	if err := checkIDs("aitken", a.ids, data); err != nil {
		return err
	}
	a.omega = a.initial
	a.iterations = 0
	a.prevResidual = nil
	return nil
}

func (a *Aitken) PerformAcceleration(data cplscheme.DataMap) error {
	residual := flatten(a.ids, data, false)
	floats.Sub(residual, flatten(a.ids, data, true))

	if a.iterations == 0 {
		a.omega = math.Copysign(math.Min(a.initial, math.Abs(a.omega)), a.omega)
	} else {
		if len(a.prevResidual) != len(residual) {
			return fmt.Errorf("aitken residual changed size from %d to %d within a window", len(a.prevResidual), len(residual))
		}
		diff := make([]float64, len(residual))
		floats.SubTo(diff, residual, a.prevResidual)
		sums, err := network.AllreduceSum(a.comm, []float64{floats.Dot(a.prevResidual, diff), floats.Dot(diff, diff)})
		if err != nil {
			return err
		}
		if sums[1] != 0 {
			a.omega = -a.omega * sums[0] / sums[1]
		}
	}
	a.logger.Debug("aitken relaxation", "iteration", a.iterations, "omega", a.omega)
	a.prevResidual = residual
	a.iterations++
	relaxAll(a.omega, data)
	return nil
}

func (a *Aitken) IterationsConverged(cplscheme.DataMap) error {
	a.iterations = 0
	return nil
}

func (a *Aitken) Close() error { return nil }
