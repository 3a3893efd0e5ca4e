package network

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/cosim/discovery"
)

func connectTCP(t *testing.T) (*Communication, *Communication) {
	t.Helper()
	dir, err := discovery.NewFileDirectory(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acceptor := NewCommunication(dir, WithHost("127.0.0.1"))
	requester := NewCommunication(dir)
	require.NoError(t, acceptor.PrepareEstablishment("Fluid", "Solid"))

	requested := make(chan error, 1)
	go func() {
		requested <- requester.RequestConnection(ctx, "Fluid", "Solid")
	}()
	require.NoError(t, acceptor.AcceptConnection(ctx))
	require.NoError(t, acceptor.CleanupEstablishment())
	require.NoError(t, <-requested)

	_, err = dir.Lookup(discovery.EndpointName("Fluid", "Solid"))
	require.ErrorIs(t, err, discovery.ErrNotFound)
	return acceptor, requester
}

func exchangeAll(t *testing.T, a, b Channel) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- func() error {
			if err := a.SendInt(-42); err != nil {
				return err
			}
			if err := a.SendBool(true); err != nil {
				return err
			}
			if err := a.SendDouble(0.125); err != nil {
				return err
			}
			return a.SendDoubles([]float64{1, 2.5, -3})
		}()
	}()
	i, err := b.ReceiveInt()
	require.NoError(t, err)
	assert.Equal(t, -42, i)
	ok, err := b.ReceiveBool()
	require.NoError(t, err)
	assert.True(t, ok)
	d, err := b.ReceiveDouble()
	require.NoError(t, err)
	assert.Equal(t, 0.125, d)
	values := make([]float64, 3)
	require.NoError(t, b.ReceiveDoubles(values))
	assert.Equal(t, []float64{1, 2.5, -3}, values)
	require.NoError(t, <-done)
}

func TestCommunicationTCP(t *testing.T) {
	acceptor, requester := connectTCP(t)
	exchangeAll(t, acceptor, requester)
	exchangeAll(t, requester, acceptor)

	require.NoError(t, acceptor.Close())
	require.ErrorIs(t, acceptor.Close(), ErrClosed)
	require.ErrorIs(t, acceptor.SendInt(1), ErrClosed)
	require.NoError(t, requester.Close())
}

func TestCommunicationAcceptCancelled(t *testing.T) {
	dir, err := discovery.NewFileDirectory(t.TempDir())
	require.NoError(t, err)
	c := NewCommunication(dir)
	require.NoError(t, c.PrepareEstablishment("A", "B"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.AcceptConnection(ctx), context.DeadlineExceeded)
	require.NoError(t, c.CleanupEstablishment())
	require.NoError(t, c.Close())
}

func TestPipe(t *testing.T) {
	a, b := Pipe()
	exchangeAll(t, a, b)
	exchangeAll(t, b, a)
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestUnexpectedMessage(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		_ = a.SendBool(true)
	}()
	_, err := b.ReceiveDouble()
	require.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestSizeMismatch(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		_ = a.SendDoubles([]float64{1, 2, 3})
		_ = a.SendInt(7)
	}()
	err := b.ReceiveDoubles(make([]float64, 2))
	require.ErrorIs(t, err, ErrSizeMismatch)

	// the stream stays aligned after a mismatch
	v, err := b.ReceiveInt()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestMalformedScalarFrames(t *testing.T) {
	receivers := map[kind]func(c *Communication) error{
		kindInt: func(c *Communication) error {
			_, err := c.ReceiveInt()
			return err
		},
		kindBool: func(c *Communication) error {
			_, err := c.ReceiveBool()
			return err
		},
		kindDouble: func(c *Communication) error {
			_, err := c.ReceiveDouble()
			return err
		},
	}
	for k, receive := range receivers {
		for _, count := range []int{0, 2, 1<<32 - 1} {
			a, b := Pipe()
			go func() {
				var header [headerSize]byte
				header[0] = byte(k)
				binary.LittleEndian.PutUint32(header[1:], uint32(count))
				_ = a.write(header[:])
			}()
			err := receive(b)
			assert.ErrorIs(t, err, ErrUnexpectedMessage, "%s frame of %d elements", k, count)
			require.NoError(t, a.Close())
			require.NoError(t, b.Close())
		}
	}
}

func TestOversizedDoublesFrame(t *testing.T) {
	a, b := Pipe()
	defer b.Close()
	go func() {
		var header [headerSize]byte
		header[0] = byte(kindDoubles)
		binary.LittleEndian.PutUint32(header[1:], 1<<32-1)
		_ = a.write(header[:])
		_ = a.Close()
	}()
	// the announced payload is skipped, not buffered; the writer hangs up first
	err := b.ReceiveDoubles(make([]float64, 3))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSizeMismatch)
}

func TestCloseUnblocksReceive(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	received := make(chan error, 1)
	go func() {
		_, err := b.ReceiveBool()
		received <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())
	select {
	case err := <-received:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("receive still blocked after Close")
	}
	assert.ErrorIs(t, b.Close(), ErrClosed)
	_, err := b.ReceiveInt()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFrameEncoding(t *testing.T) {
	frame := doublesFrame([]float64{1})
	require.Len(t, frame, headerSize+8)
	assert.Equal(t, byte(kindDoubles), frame[0])
	assert.Equal(t, []byte{1, 0, 0, 0}, frame[1:headerSize])
	// 1.0 is 0x3FF0000000000000
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0xF0, 0x3F}, frame[headerSize:])
}
