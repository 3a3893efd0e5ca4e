package cplscheme

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/luca-patrignani/cosim/network"
)

// ConvergenceMeasure decides whether the iterates of one data have converged.
// Norms are global: every rank of the participant must call Measure.
type ConvergenceMeasure interface {
	// NewMeasurementSeries resets state kept across the sub-iterations of a window.
	NewMeasurementSeries()
	Measure(comm network.IntraComm, old, current []float64) error
	IsConvergence() bool
	String() string
}

// globalNorms returns the 2-norms of current-old and of current over all ranks.
func globalNorms(comm network.IntraComm, old, current []float64) (diff, norm float64, err error) {
	if len(old) != len(current) {
		return 0, 0, fmt.Errorf("%w: measuring %d old against %d current values", ErrProtocol, len(old), len(current))
	}
	var local [2]float64
	for i := range current {
		d := current[i] - old[i]
		local[0] += d * d
	}
	local[1] = floats.Dot(current, current)
	sums, err := network.AllreduceSum(comm, local[:])
	if err != nil {
		return 0, 0, err
	}
	return math.Sqrt(sums[0]), math.Sqrt(sums[1]), nil
}

// AbsoluteConvergenceMeasure converges when ||current - old|| <= Limit.
type AbsoluteConvergenceMeasure struct {
	Limit     float64
	residual  float64
	converged bool
}

func NewAbsoluteConvergenceMeasure(limit float64) (*AbsoluteConvergenceMeasure, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: absolute convergence limit %g must be positive", ErrConfiguration, limit)
	}
	return &AbsoluteConvergenceMeasure{Limit: limit}, nil
}

func (m *AbsoluteConvergenceMeasure) NewMeasurementSeries() {
	m.converged = false
}

func (m *AbsoluteConvergenceMeasure) Measure(comm network.IntraComm, old, current []float64) error {
	diff, _, err := globalNorms(comm, old, current)
	if err != nil {
		return err
	}
	m.residual = diff
	m.converged = diff <= m.Limit
	return nil
}

func (m *AbsoluteConvergenceMeasure) IsConvergence() bool { return m.converged }

func (m *AbsoluteConvergenceMeasure) String() string {
	return fmt.Sprintf("absolute residual norm = %.4e, limit = %.4e", m.residual, m.Limit)
}

// RelativeConvergenceMeasure converges when ||current - old|| <= Limit * ||current||.
type RelativeConvergenceMeasure struct {
	Limit     float64
	residual  float64
	norm      float64
	converged bool
}

func NewRelativeConvergenceMeasure(limit float64) (*RelativeConvergenceMeasure, error) {
	if limit <= 0 || limit > 1 {
		return nil, fmt.Errorf("%w: relative convergence limit %g must be in (0,1]", ErrConfiguration, limit)
	}
	return &RelativeConvergenceMeasure{Limit: limit}, nil
}

func (m *RelativeConvergenceMeasure) NewMeasurementSeries() {
	m.converged = false
}

func (m *RelativeConvergenceMeasure) Measure(comm network.IntraComm, old, current []float64) error {
	diff, norm, err := globalNorms(comm, old, current)
	if err != nil {
		return err
	}
	m.residual, m.norm = diff, norm
	m.converged = diff <= m.Limit*norm
	return nil
}

func (m *RelativeConvergenceMeasure) IsConvergence() bool { return m.converged }

func (m *RelativeConvergenceMeasure) String() string {
	return fmt.Sprintf("relative residual norm = %.4e, limit = %.4e", m.residual/math.Max(m.norm, math.SmallestNonzeroFloat64), m.Limit)
}

// ResidualRelativeConvergenceMeasure converges when the residual has dropped
// to Limit times the first residual of the window.
type ResidualRelativeConvergenceMeasure struct {
	Limit     float64
	first     float64
	residual  float64
	started   bool
	converged bool
}

func NewResidualRelativeConvergenceMeasure(limit float64) (*ResidualRelativeConvergenceMeasure, error) {
	if limit <= 0 || limit > 1 {
		return nil, fmt.Errorf("%w: residual relative convergence limit %g must be in (0,1]", ErrConfiguration, limit)
	}
	return &ResidualRelativeConvergenceMeasure{Limit: limit}, nil
}

func (m *ResidualRelativeConvergenceMeasure) NewMeasurementSeries() {
	m.started = false
	m.converged = false
}

func (m *ResidualRelativeConvergenceMeasure) Measure(comm network.IntraComm, old, current []float64) error {
	diff, _, err := globalNorms(comm, old, current)
	if err != nil {
		return err
	}
	if !m.started {
		m.first = diff
		m.started = true
	}
	m.residual = diff
	m.converged = diff <= m.Limit*m.first
	return nil
}

func (m *ResidualRelativeConvergenceMeasure) IsConvergence() bool { return m.converged }

func (m *ResidualRelativeConvergenceMeasure) String() string {
	return fmt.Sprintf("residual relative norm = %.4e / %.4e, limit = %.4e", m.residual, m.first, m.Limit)
}

// MinIterationConvergenceMeasure converges after Iterations measurements.
type MinIterationConvergenceMeasure struct {
	Iterations int
	count      int
}

func NewMinIterationConvergenceMeasure(iterations int) (*MinIterationConvergenceMeasure, error) {
	if iterations < 1 {
		return nil, fmt.Errorf("%w: minimal iteration count %d must be positive", ErrConfiguration, iterations)
	}
	return &MinIterationConvergenceMeasure{Iterations: iterations}, nil
}

func (m *MinIterationConvergenceMeasure) NewMeasurementSeries() {
	m.count = 0
}

func (m *MinIterationConvergenceMeasure) Measure(network.IntraComm, []float64, []float64) error {
	m.count++
	return nil
}

func (m *MinIterationConvergenceMeasure) IsConvergence() bool { return m.count >= m.Iterations }

func (m *MinIterationConvergenceMeasure) String() string {
	return fmt.Sprintf("iteration %d of minimal %d", m.count, m.Iterations)
}

type measureEntry struct {
	dataID   int
	measure  ConvergenceMeasure
	suffices bool
	strict   bool
}

type MeasureOption func(*measureEntry)

// Suffices makes the measure sufficient on its own: once it converges the
// iteration stops whatever the other measures say.
func Suffices() MeasureOption {
	return func(e *measureEntry) {
		e.suffices = true
	}
}

// Strict makes reaching the iteration limit an error while the measure fails.
func Strict() MeasureOption {
	return func(e *measureEntry) {
		e.strict = true
	}
}

type verdict struct {
	converged    bool
	strictFailed bool
}

func measureConvergence(comm network.IntraComm, entries []*measureEntry, data DataMap) (verdict, error) {
	all := true
	suffices := false
	strictFailed := false
	for _, e := range entries {
		d := data[e.dataID]
		if err := e.measure.Measure(comm, d.PreviousIteration(), d.Values()); err != nil {
			return verdict{}, fmt.Errorf("measuring convergence of %s: %w", d.Name(), err)
		}
		switch {
		case !e.measure.IsConvergence():
			all = false
			if e.strict {
				strictFailed = true
			}
		case e.suffices:
			suffices = true
		}
	}
	return verdict{converged: all || suffices, strictFailed: strictFailed}, nil
}
