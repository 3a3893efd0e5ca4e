package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/luca-patrignani/cosim/discovery"
)

// M2N links two participants that may each run on several ranks.
// Only rank 0 of each side holds a Channel. Distributed vectors are gathered
// to rank 0, sent as one message, and scattered again on the receiving side
// in rank order; both sides must therefore agree on the global size.
// Scalars are sent by rank 0 and broadcast to all ranks on receipt.
type M2N struct {
	comm    IntraComm
	dir     discovery.Directory
	opts    []CommunicationOption
	logger  *slog.Logger
	primary Channel
}

type M2NOption func(*M2N)

// WithIntraComm sets the communicator of the local participant. Defaults to Serial.
func WithIntraComm(comm IntraComm) M2NOption {
	return func(m *M2N) {
		m.comm = comm
	}
}

// WithChannelOptions configures the Communication opened on rank 0.
func WithChannelOptions(opts ...CommunicationOption) M2NOption {
	return func(m *M2N) {
		m.opts = append(m.opts, opts...)
	}
}

func WithM2NLogger(logger *slog.Logger) M2NOption {
	return func(m *M2N) {
		m.logger = logger
	}
}

func NewM2N(dir discovery.Directory, opts ...M2NOption) *M2N {
	m := &M2N{
		comm:   Serial{},
		dir:    dir,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewM2NFromChannel uses an already connected channel on rank 0.
// Other ranks pass nil.
func NewM2NFromChannel(primary Channel, comm IntraComm) *M2N {
	if comm == nil {
		comm = Serial{}
	}
	return &M2N{comm: comm, primary: primary, logger: slog.Default()}
}

func (m *M2N) isPrimary() bool {
	return m.comm.Rank() == 0
}

// AcceptConnection establishes the link as the accepting participant.
// All ranks must call it; it returns once rank 0 is connected.
func (m *M2N) AcceptConnection(ctx context.Context, acceptor, requester string) error {
	var err error
	if m.isPrimary() {
		c := NewCommunication(m.dir, append([]CommunicationOption{WithLogger(m.logger)}, m.opts...)...)
		err = c.PrepareEstablishment(acceptor, requester)
		if err == nil {
			err = c.AcceptConnection(ctx)
			err = errors.Join(err, c.CleanupEstablishment())
		}
		if err == nil {
			m.primary = c
		} else {
			err = errors.Join(err, c.Close())
		}
	}
	return m.agree(err)
}

// RequestConnection establishes the link as the requesting participant.
func (m *M2N) RequestConnection(ctx context.Context, acceptor, requester string) error {
	var err error
	if m.isPrimary() {
		c := NewCommunication(m.dir, append([]CommunicationOption{WithLogger(m.logger)}, m.opts...)...)
		err = c.RequestConnection(ctx, acceptor, requester)
		if err == nil {
			m.primary = c
		} else {
			err = errors.Join(err, c.Close())
		}
	}
	return m.agree(err)
}

// agree propagates the outcome of rank 0 so every rank fails together.
func (m *M2N) agree(err error) error {
	ok, berr := BroadcastBool(m.comm, err == nil, 0)
	if berr != nil {
		return errors.Join(err, berr)
	}
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("primary rank failed to establish the connection")
	}
	return nil
}

// Send sends the local part of a distributed vector.
func (m *M2N) Send(values []float64) error {
	if m.comm.Size() == 1 {
		return m.primary.SendDoubles(values)
	}
	parts, err := Gather(m.comm, values, 0)
	if err != nil {
		return err
	}
	if !m.isPrimary() {
		return nil
	}
	return m.primary.SendDoubles(slices.Concat(parts...))
}

// Receive fills the local part of a distributed vector.
func (m *M2N) Receive(values []float64) error {
	if m.comm.Size() == 1 {
		return m.primary.ReceiveDoubles(values)
	}
	sizes, err := AllGatherInts(m.comm, len(values))
	if err != nil {
		return err
	}
	offset := 0
	total := 0
	for rank, n := range sizes {
		if rank < m.comm.Rank() {
			offset += n
		}
		total += n
	}
	var global []float64
	var recvErr error
	if m.isPrimary() {
		global = make([]float64, total)
		recvErr = m.primary.ReceiveDoubles(global)
	}
	if err := m.agree(recvErr); err != nil {
		return err
	}
	global, err = BroadcastDoubles(m.comm, global, 0)
	if err != nil {
		return err
	}
	if len(global) != total {
		return fmt.Errorf("%w: scattered %d values, expected %d", ErrSizeMismatch, len(global), total)
	}
	copy(values, global[offset:offset+len(values)])
	return nil
}

func (m *M2N) SendBool(v bool) error {
	if !m.isPrimary() {
		return nil
	}
	return m.primary.SendBool(v)
}

func (m *M2N) ReceiveBool() (bool, error) {
	var v bool
	var err error
	if m.isPrimary() {
		v, err = m.primary.ReceiveBool()
	}
	if m.comm.Size() == 1 {
		return v, err
	}
	if err := m.agree(err); err != nil {
		return false, err
	}
	return BroadcastBool(m.comm, v, 0)
}

func (m *M2N) SendDouble(v float64) error {
	if !m.isPrimary() {
		return nil
	}
	return m.primary.SendDouble(v)
}

func (m *M2N) ReceiveDouble() (float64, error) {
	var v float64
	var err error
	if m.isPrimary() {
		v, err = m.primary.ReceiveDouble()
	}
	if m.comm.Size() == 1 {
		return v, err
	}
	if err := m.agree(err); err != nil {
		return 0, err
	}
	values, err := BroadcastDoubles(m.comm, []float64{v}, 0)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

func (m *M2N) Close() error {
	if m.primary == nil {
		return nil
	}
	return m.primary.Close()
}
