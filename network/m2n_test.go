package network

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/cosim/discovery"
)

func TestM2NSerialTCP(t *testing.T) {
	dir, err := discovery.NewFileDirectory(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fluid := NewM2N(dir)
	solid := NewM2N(dir)
	requested := make(chan error, 1)
	go func() {
		requested <- solid.RequestConnection(ctx, "Fluid", "Solid")
	}()
	require.NoError(t, fluid.AcceptConnection(ctx, "Fluid", "Solid"))
	require.NoError(t, <-requested)

	go func() {
		_ = fluid.Send([]float64{1, 2, 3})
		_ = fluid.SendBool(true)
		_ = fluid.SendDouble(0.1)
	}()
	values := make([]float64, 3)
	require.NoError(t, solid.Receive(values))
	require.Equal(t, []float64{1, 2, 3}, values)
	ok, err := solid.ReceiveBool()
	require.NoError(t, err)
	require.True(t, ok)
	dt, err := solid.ReceiveDouble()
	require.NoError(t, err)
	require.Equal(t, 0.1, dt)

	require.NoError(t, fluid.Close())
	require.NoError(t, solid.Close())
}

// Two ranks on the sending side, three on the receiving side.
func TestM2NDistributed(t *testing.T) {
	senders := LocalGroup(2)
	receivers := LocalGroup(3)
	a, b := Pipe()
	global := []float64{0, 1, 2, 3, 4, 5, 6}
	sendParts := [][]float64{global[:4], global[4:]}
	recvParts := [][]float64{global[:2], global[2:3], global[3:]}

	fatal := make(chan error, 5)
	for r, c := range senders {
		var primary Channel
		if r == 0 {
			primary = a
		}
		m := NewM2NFromChannel(primary, c)
		go func() {
			if err := m.Send(sendParts[r]); err != nil {
				fatal <- err
				return
			}
			if err := m.SendBool(r == 0); err != nil {
				fatal <- err
				return
			}
			fatal <- m.SendDouble(2.5)
		}()
	}
	for r, c := range receivers {
		var primary Channel
		if r == 0 {
			primary = b
		}
		m := NewM2NFromChannel(primary, c)
		go func() {
			values := make([]float64, len(recvParts[r]))
			if err := m.Receive(values); err != nil {
				fatal <- err
				return
			}
			if !slices.Equal(values, recvParts[r]) {
				fatal <- fmt.Errorf("rank %d: received %v, expected %v", r, values, recvParts[r])
				return
			}
			ok, err := m.ReceiveBool()
			if err != nil {
				fatal <- err
				return
			}
			if !ok {
				fatal <- fmt.Errorf("rank %d: lost bool", r)
				return
			}
			v, err := m.ReceiveDouble()
			if err != nil {
				fatal <- err
				return
			}
			if v != 2.5 {
				fatal <- fmt.Errorf("rank %d: received %v", r, v)
				return
			}
			fatal <- nil
		}()
	}
	for range 5 {
		require.NoError(t, <-fatal)
	}
}
