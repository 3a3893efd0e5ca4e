package impl

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/luca-patrignani/cosim/network"
)

// QRFactorization is a thin QR factorization V = Q R of a row-distributed
// matrix, stored column by column. Each rank holds its rows of Q; R is
// replicated on all ranks.
type QRFactorization struct {
	comm network.IntraComm
	q    [][]float64
	r    [][]float64 // r[j] holds the first j+1 entries of column j of R
}

// Factorize orthogonalizes columns in order with classical Gram-Schmidt
// applied twice. A column whose remaining norm falls below
// singularityLimit times its original norm is dropped; the indices of
// dropped columns are returned in increasing order. All ranks drop the
// same columns because every norm is reduced globally.
func Factorize(comm network.IntraComm, columns [][]float64, singularityLimit float64) (*QRFactorization, []int, error) {
	if comm == nil {
		comm = network.Serial{}
	}
	qr := &QRFactorization{comm: comm}
	var dropped []int
	for i, col := range columns {
		ok, err := qr.insertColumn(col, singularityLimit)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			dropped = append(dropped, i)
		}
	}
	return qr, dropped, nil
}

func (qr *QRFactorization) dots(v []float64) ([]float64, error) {
	local := make([]float64, len(qr.q))
	for j, q := range qr.q {
		local[j] = floats.Dot(q, v)
	}
	return network.AllreduceSum(qr.comm, local)
}

func (qr *QRFactorization) norm(v []float64) (float64, error) {
	sum, err := network.AllreduceSum(qr.comm, []float64{floats.Dot(v, v)})
	if err != nil {
		return 0, err
	}
	return math.Sqrt(sum[0]), nil
}

func (qr *QRFactorization) insertColumn(col []float64, singularityLimit float64) (bool, error) {
	if len(qr.q) > 0 && len(col) != len(qr.q[0]) {
		return false, fmt.Errorf("column of %d rows, factorization has %d", len(col), len(qr.q[0]))
	}
	v := append([]float64(nil), col...)
	initial, err := qr.norm(v)
	if err != nil {
		return false, err
	}
	if initial == 0 {
		return false, nil
	}
	h := make([]float64, len(qr.q))
	for pass := 0; pass < 2; pass++ {
		s, err := qr.dots(v)
		if err != nil {
			return false, err
		}
		for j, q := range qr.q {
			floats.AddScaled(v, -s[j], q)
		}
		floats.Add(h, s)
	}
	rho, err := qr.norm(v)
	if err != nil {
		return false, err
	}
	if rho < singularityLimit*initial {
		return false, nil
	}
	floats.Scale(1/rho, v)
	qr.q = append(qr.q, v)
	qr.r = append(qr.r, append(h, rho))
	return true, nil
}

// Cols is the number of columns kept.
func (qr *QRFactorization) Cols() int { return len(qr.q) }

// Q returns the local rows of Q as an nLocal×k matrix, nil without columns.
func (qr *QRFactorization) Q() *mat.Dense {
	if len(qr.q) == 0 || len(qr.q[0]) == 0 {
		return nil
	}
	m := mat.NewDense(len(qr.q[0]), len(qr.q), nil)
	for j, q := range qr.q {
		m.SetCol(j, q)
	}
	return m
}

// R returns the k×k upper triangular factor, nil without columns.
func (qr *QRFactorization) R() *mat.TriDense {
	k := len(qr.r)
	if k == 0 {
		return nil
	}
	r := mat.NewTriDense(k, mat.Upper, nil)
	for j, col := range qr.r {
		for i, v := range col {
			r.SetTri(i, j, v)
		}
	}
	return r
}

// QTransposeTimes returns Qᵀv, reduced over all ranks.
func (qr *QRFactorization) QTransposeTimes(v []float64) ([]float64, error) {
	return qr.dots(v)
}

// LeastSquares returns the c minimizing ‖V c − b‖ by solving R c = Qᵀ b.
// If R is badly conditioned the error is a mat.Condition and c is still
// returned.
func (qr *QRFactorization) LeastSquares(b []float64) ([]float64, error) {
	if qr.Cols() == 0 {
		return nil, fmt.Errorf("least squares on an empty factorization")
	}
	qtb, err := qr.QTransposeTimes(b)
	if err != nil {
		return nil, err
	}
	var c mat.VecDense
	err = c.SolveVec(qr.R(), mat.NewVecDense(len(qtb), qtb))
	if err != nil && !isCondition(err) {
		return nil, err
	}
	return c.RawVector().Data, err
}

// InverseRTimesQTranspose returns Z = R⁻¹Qᵀ restricted to the local rows,
// a k×nLocal matrix. It needs no communication. Conditioning is reported
// as in LeastSquares.
func (qr *QRFactorization) InverseRTimesQTranspose() (*mat.Dense, error) {
	q := qr.Q()
	if q == nil {
		return nil, fmt.Errorf("no columns to invert")
	}
	var z mat.Dense
	err := z.Solve(qr.R(), q.T())
	if err != nil && !isCondition(err) {
		return nil, err
	}
	return &z, err
}

func isCondition(err error) bool {
	var cond mat.Condition
	return errors.As(err, &cond)
}
