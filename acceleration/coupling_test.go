package acceleration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/cosim/cplscheme"
	"github.com/luca-patrignani/cosim/history"
	"github.com/luca-patrignani/cosim/mesh"
	"github.com/luca-patrignani/cosim/network"
)

const (
	forcesID        = 0
	displacementsID = 1
)

// participant couples a scalar affine solver write = slope·read + offset.
type participant struct {
	scheme        *cplscheme.Scheme
	read, write   *mesh.Data
	slope, offset float64
}

func newParticipant(t *testing.T, cfg cplscheme.Config, m2n cplscheme.M2N, readID, writeID int) *participant {
	t.Helper()
	s, err := cplscheme.NewParallelScheme(cfg, m2n)
	require.NoError(t, err)
	read := mesh.NewData(readID, fmt.Sprint("data", readID), 1)
	write := mesh.NewData(writeID, fmt.Sprint("data", writeID), 1)
	read.Allocate(2)
	write.Allocate(2)
	require.NoError(t, s.AddDataToReceive(read, false))
	require.NoError(t, s.AddDataToSend(write, false))
	return &participant{scheme: s, read: read, write: write}
}

func (p *participant) solve() error {
	s := p.scheme
	maxDt, err := s.Initialize()
	if err != nil {
		return err
	}
	for s.IsCouplingOngoing() {
		if s.IsActionRequired(cplscheme.ActionWriteIterationCheckpoint) {
			if err := s.MarkActionFulfilled(cplscheme.ActionWriteIterationCheckpoint); err != nil {
				return err
			}
		}
		for i, v := range p.read.Values() {
			p.write.Values()[i] = p.slope*v + p.offset
		}
		if maxDt, err = s.Advance(maxDt); err != nil {
			return err
		}
		if s.IsActionRequired(cplscheme.ActionReadIterationCheckpoint) {
			if err := s.MarkActionFulfilled(cplscheme.ActionReadIterationCheckpoint); err != nil {
				return err
			}
		}
	}
	return s.Finalize()
}

// TestImplicitCouplingWithQuasiNewton couples f = 0.8 d + 1 with
// d = −1.5 f + 2. Both solvers work on the previous iterate, so the plain
// iteration (f, d) ↦ (0.8 d + 1, −1.5 f + 2) has eigenvalues of modulus
// √1.2 and diverges. Accelerating both data converges in every window.
func TestImplicitCouplingWithQuasiNewton(t *testing.T) {
	cfg := QNConfig{
		DataIDs:           []int{forcesID, displacementsID},
		InitialRelaxation: 0.5,
		MaxIterationsUsed: 10,
		SingularityLimit:  1e-10,
	}
	imvj, err := NewIQNIMVJ(cfg, nil)
	require.NoError(t, err)
	cfg.TimeWindowsReused = 2
	ils, err := NewIQNILS(cfg)
	require.NoError(t, err)

	for _, acc := range []cplscheme.Acceleration{ils, imvj} {
		t.Run(fmt.Sprintf("%T", acc), func(t *testing.T) {
			a, b := network.Pipe()
			cfg := cplscheme.DefaultConfig()
			cfg.First, cfg.Second = "Fluid", "Solid"
			cfg.Implicit = true
			cfg.MaxTimeWindows = 3
			cfg.TimeWindowSize = 1
			cfg.MaxIterations = 30

			fluidCfg, solidCfg := cfg, cfg
			fluidCfg.Local, solidCfg.Local = "Fluid", "Solid"
			log := history.NewLog()
			solidCfg.History = log
			solidCfg.Acceleration = acc

			fluid := newParticipant(t, fluidCfg, network.NewM2NFromChannel(a, nil), displacementsID, forcesID)
			fluid.slope, fluid.offset = 0.8, 1
			solid := newParticipant(t, solidCfg, network.NewM2NFromChannel(b, nil), forcesID, displacementsID)
			solid.slope, solid.offset = -1.5, 2
			measure, err := cplscheme.NewAbsoluteConvergenceMeasure(1e-9)
			require.NoError(t, err)
			require.NoError(t, solid.scheme.AddConvergenceMeasure(forcesID, measure))
			measure, err = cplscheme.NewAbsoluteConvergenceMeasure(1e-9)
			require.NoError(t, err)
			require.NoError(t, solid.scheme.AddConvergenceMeasure(displacementsID, measure))

			done := make(chan error, 2)
			go func() { done <- fluid.solve() }()
			go func() { done <- solid.solve() }()
			for range 2 {
				require.NoError(t, <-done)
			}

			want := 2.6 / 2.2
			for _, f := range solid.read.Values() {
				assert.InDelta(t, want, f, 1e-8)
			}
			require.Equal(t, 3, log.Len())
			for _, w := range log.Windows() {
				assert.True(t, w.Converged, "window %d", w.Index)
				assert.False(t, w.Forced, "window %d", w.Index)
				assert.Less(t, w.Iterations, cfg.MaxIterations)
			}
			assert.LessOrEqual(t, log.Windows()[2].Iterations, 2, "a converged window starts at the fixed point")
			for _, d := range fluid.read.Values() {
				assert.InDelta(t, -1.5*want+2, d, 1e-8)
			}
		})
	}
}
