package acceleration

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/luca-patrignani/cosim/acceleration/impl"
	"github.com/luca-patrignani/cosim/cplscheme"
	"github.com/luca-patrignani/cosim/network"
)

// QNConfig configures the quasi-Newton accelerations.
type QNConfig struct {
	// DataIDs are the data whose values enter the residual and are updated.
	DataIDs []int
	// InitialRelaxation is used while no difference columns exist.
	InitialRelaxation float64
	// MaxIterationsUsed bounds the number of difference columns.
	MaxIterationsUsed int
	// TimeWindowsReused is the number of past windows whose columns are kept.
	TimeWindowsReused int
	// SingularityLimit drops a column whose orthogonal part is smaller than
	// this fraction of its norm.
	SingularityLimit float64
	IntraComm        network.IntraComm
	Logger           *slog.Logger
}

func DefaultQNConfig(ids ...int) QNConfig {
	return QNConfig{
		DataIDs:           ids,
		InitialRelaxation: 0.1,
		MaxIterationsUsed: 100,
		TimeWindowsReused: 10,
		SingularityLimit:  1e-10,
	}
}

func (c QNConfig) validate(name string) error {
	switch {
	case len(c.DataIDs) == 0:
		return fmt.Errorf("%w: %s is configured without data", cplscheme.ErrConfiguration, name)
	case c.InitialRelaxation <= 0 || c.InitialRelaxation > 1:
		return fmt.Errorf("%w: %s initial relaxation %g must be in (0, 1]", cplscheme.ErrConfiguration, name, c.InitialRelaxation)
	case c.MaxIterationsUsed < 1:
		return fmt.Errorf("%w: %s needs at least one column, got %d", cplscheme.ErrConfiguration, name, c.MaxIterationsUsed)
	case c.TimeWindowsReused < 0:
		return fmt.Errorf("%w: %s cannot reuse %d windows", cplscheme.ErrConfiguration, name, c.TimeWindowsReused)
	case c.SingularityLimit <= 0 || c.SingularityLimit >= 1:
		return fmt.Errorf("%w: %s singularity limit %g must be in (0, 1)", cplscheme.ErrConfiguration, name, c.SingularityLimit)
	}
	return nil
}

// quasiNewton holds the difference matrices shared by IQN-ILS and IQN-IMVJ.
// Columns are stored newest first.
type quasiNewton struct {
	name   string
	cfg    QNConfig
	ids    []int
	comm   network.IntraComm
	logger *slog.Logger

	v, w          [][]float64 // residual and iterate differences
	windowColumns []int       // columns contributed per window, newest first
	oldResidual   []float64
	oldXTilde     []float64
}

func newQuasiNewton(name string, cfg QNConfig) (*quasiNewton, error) {
	if err := cfg.validate(name); err != nil {
		return nil, err
	}
	if cfg.IntraComm == nil {
		cfg.IntraComm = network.Serial{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &quasiNewton{
		name:   name,
		cfg:    cfg,
		ids:    sortedIDs(cfg.DataIDs),
		comm:   cfg.IntraComm,
		logger: cfg.Logger.With("acceleration", name),
	}, nil
}

func (q *quasiNewton) initialize(data cplscheme.DataMap) error {
	if err := checkIDs(q.name, q.ids, data); err != nil {
		return err
	}
	q.v, q.w = nil, nil
	q.windowColumns = []int{0}
	q.oldResidual, q.oldXTilde = nil, nil
	return nil
}

// iterate returns the solver output x̃ and the residual x̃ − x.
func (q *quasiNewton) iterate(data cplscheme.DataMap) (xTilde, residual []float64) {
	xTilde = flatten(q.ids, data, false)
	residual = slices.Clone(xTilde)
	floats.Sub(residual, flatten(q.ids, data, true))
	return xTilde, residual
}

func (q *quasiNewton) updateDifferenceMatrices(xTilde, residual []float64) {
	if q.oldResidual != nil && len(q.oldResidual) == len(residual) {
		dr := make([]float64, len(residual))
		floats.SubTo(dr, residual, q.oldResidual)
		dx := make([]float64, len(xTilde))
		floats.SubTo(dx, xTilde, q.oldXTilde)
		q.v = slices.Insert(q.v, 0, dr)
		q.w = slices.Insert(q.w, 0, dx)
		q.windowColumns[0]++
		for len(q.v) > q.cfg.MaxIterationsUsed {
			q.removeColumn(len(q.v) - 1)
		}
	}
	q.oldResidual = residual
	q.oldXTilde = xTilde
}

func (q *quasiNewton) removeColumn(i int) {
	q.v = slices.Delete(q.v, i, i+1)
	q.w = slices.Delete(q.w, i, i+1)
	seen := 0
	for j, n := range q.windowColumns {
		if seen += n; i < seen {
			q.windowColumns[j]--
			return
		}
	}
}

// factorize orthogonalizes V and drops the filtered columns from V and W.
func (q *quasiNewton) factorize() (*impl.QRFactorization, error) {
	qr, dropped, err := impl.Factorize(q.comm, q.v, q.cfg.SingularityLimit)
	if err != nil {
		return nil, err
	}
	for i := len(dropped) - 1; i >= 0; i-- {
		q.removeColumn(dropped[i])
	}
	if len(dropped) > 0 {
		q.logger.Debug("filtered columns", "dropped", len(dropped), "kept", len(q.v))
	}
	return qr, nil
}

// tolerate swallows a conditioning warning from the least-squares solve.
func (q *quasiNewton) tolerate(err error) error {
	var cond mat.Condition
	if errors.As(err, &cond) {
		q.logger.Warn("least-squares system is badly conditioned", "condition", float64(cond))
		return nil
	}
	return err
}

func (q *quasiNewton) relax(data cplscheme.DataMap) {
	for _, id := range q.ids {
		relax(q.cfg.InitialRelaxation, data[id])
	}
}

// addFinalColumns records the converged iterate of the window.
func (q *quasiNewton) addFinalColumns(data cplscheme.DataMap) {
	q.updateDifferenceMatrices(q.iterate(data))
}

// endWindow drops the columns of windows that are no longer reused and
// opens a new window.
func (q *quasiNewton) endWindow(reused int) {
	q.oldResidual, q.oldXTilde = nil, nil
	if reused < len(q.windowColumns) {
		n := 0
		for _, c := range q.windowColumns[:reused] {
			n += c
		}
		q.v, q.w = q.v[:n], q.w[:n]
		q.windowColumns = q.windowColumns[:reused]
	}
	q.windowColumns = slices.Insert(q.windowColumns, 0, 0)
}

// Columns is the number of difference columns currently held.
func (q *quasiNewton) Columns() int { return len(q.v) }
