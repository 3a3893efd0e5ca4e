package acceleration

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/luca-patrignani/cosim/acceleration/impl"
	"github.com/luca-patrignani/cosim/cplscheme"
	"github.com/luca-patrignani/cosim/network"
)

// IQNIMVJ is the multi-vector quasi-Newton method. It keeps an explicit
// inverse Jacobian J across windows and updates it with the columns of
// the current window:
//
//	J = J_prev + (W − J_prev V) Z,  Z = R⁻¹Qᵀ,  x = x̃ − J r
//
// Each rank holds its rows of J, all N global columns.
type IQNIMVJ struct {
	*quasiNewton
	ops     *impl.ParallelMatrixOperations
	offsets []int
	jPrev   *mat.Dense // nil until the first window converged
}

// NewIQNIMVJ uses ops for the distributed products. With ops nil a serial
// instance over cfg.IntraComm is created, which only works on one rank.
// The columns are folded into J at the end of every window, so
// cfg.TimeWindowsReused must be 0.
func NewIQNIMVJ(cfg QNConfig, ops *impl.ParallelMatrixOperations) (*IQNIMVJ, error) {
	if cfg.TimeWindowsReused != 0 {
		return nil, fmt.Errorf("%w: IQN-IMVJ carries past windows in its Jacobian and reuses no columns, got %d",
			cplscheme.ErrConfiguration, cfg.TimeWindowsReused)
	}
	q, err := newQuasiNewton("IQN-IMVJ", cfg)
	if err != nil {
		return nil, err
	}
	if ops == nil {
		ops = impl.NewParallelMatrixOperations(q.comm, impl.WithLogger(q.logger))
	}
	return &IQNIMVJ{quasiNewton: q, ops: ops}, nil
}

// Initialize sizes J and, on several ranks, connects the ring of ops.
func (a *IQNIMVJ) Initialize(data cplscheme.DataMap) error {
	return a.InitializeContext(context.Background(), data)
}

func (a *IQNIMVJ) InitializeContext(ctx context.Context, data cplscheme.DataMap) error {
	if err := a.initialize(data); err != nil {
		return err
	}
	local := len(flatten(a.ids, data, false))
	sizes, err := network.AllGatherInts(a.comm, local)
	if err != nil {
		return err
	}
	a.offsets = make([]int, len(sizes)+1)
	for r, n := range sizes {
		if n == 0 {
			return fmt.Errorf("%w: IQN-IMVJ needs values on every rank, rank %d has none", cplscheme.ErrConfiguration, r)
		}
		a.offsets[r+1] = a.offsets[r] + n
	}
	a.jPrev = nil
	return a.ops.Initialize(ctx, a.comm.Size() > 1)
}

func (a *IQNIMVJ) PerformAcceleration(data cplscheme.DataMap) error {
	xTilde, residual := a.iterate(data)
	a.updateDifferenceMatrices(xTilde, residual)
	j, err := a.jacobian()
	if err != nil {
		return err
	}
	if j == nil {
		a.relax(data)
		return nil
	}
	jr, err := a.ops.MultiplyByDistributedRows(j, mat.NewDense(len(residual), 1, slices.Clone(residual)), a.offsets)
	if err != nil {
		return err
	}
	x := slices.Clone(xTilde)
	floats.Sub(x, mat.Col(nil, 0, jr))
	scatter(a.ids, data, x)
	return nil
}

// jacobian returns J for the current columns, J_prev without columns and
// nil if neither exists.
func (a *IQNIMVJ) jacobian() (*mat.Dense, error) {
	if len(a.v) == 0 {
		return a.jPrev, nil
	}
	qr, err := a.factorize()
	if err != nil {
		return nil, err
	}
	if qr.Cols() == 0 {
		return a.jPrev, nil
	}
	z, err := qr.InverseRTimesQTranspose()
	if err := a.tolerate(err); err != nil {
		return nil, err
	}
	v, w := columns(a.v), columns(a.w)
	d := w
	if a.jPrev != nil {
		jv, err := a.ops.MultiplyByDistributedRows(a.jPrev, v, a.offsets)
		if err != nil {
			return nil, err
		}
		rows, cols := w.Dims()
		d = mat.NewDense(rows, cols, nil)
		d.Sub(w, jv)
	}
	j, err := a.ops.MultiplyByDistributedColumns(d, z, a.offsets)
	if err != nil {
		return nil, err
	}
	if a.jPrev != nil {
		j.Add(j, a.jPrev)
	}
	return j, nil
}

// IterationsConverged folds the columns of the window into J_prev.
func (a *IQNIMVJ) IterationsConverged(data cplscheme.DataMap) error {
	a.addFinalColumns(data)
	j, err := a.jacobian()
	if err != nil {
		return err
	}
	a.jPrev = j
	a.endWindow(0)
	return nil
}

// Jacobian returns the local rows of the Jacobian carried into the next
// window, nil before the first window converged.
func (a *IQNIMVJ) Jacobian() mat.Matrix {
	if a.jPrev == nil {
		return nil
	}
	return a.jPrev
}

func (a *IQNIMVJ) Close() error {
	err := a.ops.Close()
	if errors.Is(err, impl.ErrRingClosed) {
		return nil
	}
	return err
}

func columns(cols [][]float64) *mat.Dense {
	m := mat.NewDense(len(cols[0]), len(cols), nil)
	for j, c := range cols {
		m.SetCol(j, c)
	}
	return m
}
