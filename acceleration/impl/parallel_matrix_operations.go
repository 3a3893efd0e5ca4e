package impl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"github.com/luca-patrignani/cosim/discovery"
	"github.com/luca-patrignani/cosim/network"
)

// ErrRingClosed is returned by Close after the ring was already torn down.
var ErrRingClosed = errors.New("cyclic communication already closed")

const ringPrefix = "MVQNCyclicComm"

// ParallelMatrixOperations multiplies row-distributed matrices. On more than
// one rank it connects rank r to its left neighbour (r-1+N) mod N and its
// right neighbour (r+1) mod N and circulates blocks to the right.
type ParallelMatrixOperations struct {
	comm     network.IntraComm
	dir      discovery.Directory
	commOpts []network.CommunicationOption
	logger   *slog.Logger

	needCyclicComm bool
	left, right    *network.Communication
	closed         bool
}

type Option func(*ParallelMatrixOperations)

// WithDirectory sets where ring endpoints are published. Required on more than one rank.
func WithDirectory(dir discovery.Directory) Option {
	return func(p *ParallelMatrixOperations) {
		p.dir = dir
	}
}

func WithChannelOptions(opts ...network.CommunicationOption) Option {
	return func(p *ParallelMatrixOperations) {
		p.commOpts = append(p.commOpts, opts...)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *ParallelMatrixOperations) {
		p.logger = logger
	}
}

func NewParallelMatrixOperations(comm network.IntraComm, opts ...Option) *ParallelMatrixOperations {
	if comm == nil {
		comm = network.Serial{}
	}
	p := &ParallelMatrixOperations{comm: comm, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize builds the ring if needCyclicComm is set and the participant
// runs on more than one rank. All ranks must call it. Once the ring is up
// further calls return immediately.
func (p *ParallelMatrixOperations) Initialize(ctx context.Context, needCyclicComm bool) error {
	if p.left != nil {
		return nil
	}
	if !needCyclicComm || p.comm.Size() == 1 {
		p.needCyclicComm = false
		return nil
	}
	if p.closed {
		return ErrRingClosed
	}
	if p.dir == nil {
		return fmt.Errorf("cyclic communication needs a directory")
	}
	p.needCyclicComm = true
	return p.establishCircularCommunication(ctx)
}

func (p *ParallelMatrixOperations) establishCircularCommunication(ctx context.Context) error {
	size, rank := p.comm.Size(), p.comm.Rank()
	prevName := fmt.Sprint(ringPrefix, (rank-1+size)%size)
	thisName := fmt.Sprint(ringPrefix, rank)
	nextName := fmt.Sprint(ringPrefix, (rank+1)%size)
	opts := append([]network.CommunicationOption{network.WithLogger(p.logger)}, p.commOpts...)
	left := network.NewCommunication(p.dir, opts...)
	right := network.NewCommunication(p.dir, opts...)

	acceptLeft := func() error {
		if err := left.PrepareEstablishment(prevName, thisName); err != nil {
			return err
		}
		err := left.AcceptConnection(ctx)
		return errors.Join(err, left.CleanupEstablishment())
	}
	requestRight := func() error {
		return right.RequestConnection(ctx, thisName, nextName)
	}

	var err error
	if rank%2 == 0 {
		if err = acceptLeft(); err == nil {
			err = requestRight()
		}
	} else {
		if err = requestRight(); err == nil {
			err = acceptLeft()
		}
	}
	if err != nil {
		return errors.Join(fmt.Errorf("establishing cyclic communication of rank %d: %w", rank, err),
			left.Close(), right.Close())
	}
	p.left, p.right = left, right
	p.logger.Debug("established cyclic communication", "rank", rank, "size", size)
	return nil
}

// Left returns the channel to the left neighbour, nil without a ring.
func (p *ParallelMatrixOperations) Left() network.Channel {
	if p.left == nil {
		return nil
	}
	return p.left
}

// Right returns the channel to the right neighbour, nil without a ring.
func (p *ParallelMatrixOperations) Right() network.Channel {
	if p.right == nil {
		return nil
	}
	return p.right
}

// Close tears the ring down in the order it was established: even ranks
// close left then right, odd ranks right then left. Closing twice returns
// ErrRingClosed and touches no connection.
func (p *ParallelMatrixOperations) Close() error {
	if p.closed {
		return ErrRingClosed
	}
	p.closed = true
	if !p.needCyclicComm || p.left == nil {
		return nil
	}
	var err error
	if p.comm.Rank()%2 == 0 {
		err = errors.Join(p.left.Close(), p.right.Close())
	} else {
		err = errors.Join(p.right.Close(), p.left.Close())
	}
	p.left, p.right = nil, nil
	return err
}

func (p *ParallelMatrixOperations) distributed() bool {
	return p.needCyclicComm && p.left != nil
}

func (p *ParallelMatrixOperations) checkOffsets(offsets []int, localRows int) error {
	size, rank := p.comm.Size(), p.comm.Rank()
	if !p.distributed() {
		size, rank = 1, 0
	}
	if len(offsets) != size+1 {
		return fmt.Errorf("%d offsets for %d ranks", len(offsets), size)
	}
	if got := offsets[rank+1] - offsets[rank]; got != localRows {
		return fmt.Errorf("rank %d holds %d rows, offsets say %d", rank, localRows, got)
	}
	return nil
}

// MultiplyByDistributedRows returns left·right. left is m×N with all N
// global columns; right is N×k distributed by rows, this rank holding
// its nLocal×k block. The result is m×k.
func (p *ParallelMatrixOperations) MultiplyByDistributedRows(left, right *mat.Dense, offsets []int) (*mat.Dense, error) {
	m, n := left.Dims()
	nLocal, k := right.Dims()
	if err := p.checkOffsets(offsets, nLocal); err != nil {
		return nil, err
	}
	if n != offsets[len(offsets)-1] {
		return nil, fmt.Errorf("left has %d columns, distributed rows sum to %d", n, offsets[len(offsets)-1])
	}
	result := mat.NewDense(m, k, nil)
	if !p.distributed() {
		result.Mul(left, right)
		return result, nil
	}

	size, rank := p.comm.Size(), p.comm.Rank()
	block := mat.DenseCopyOf(right)
	for shift := 0; shift < size; shift++ {
		if shift > 0 {
			var err error
			if block, err = p.cycle(block); err != nil {
				return nil, err
			}
		}
		owner := (rank - shift + size) % size
		cols := left.Slice(0, m, offsets[owner], offsets[owner+1])
		var part mat.Dense
		part.Mul(cols, block)
		result.Add(result, &part)
	}
	return result, nil
}

// MultiplyByDistributedColumns returns left·right. left is m×k; right is
// k×N distributed by columns, this rank holding its k×nLocal block.
// The result is m×N.
func (p *ParallelMatrixOperations) MultiplyByDistributedColumns(left, right *mat.Dense, offsets []int) (*mat.Dense, error) {
	m, k := left.Dims()
	kr, nLocal := right.Dims()
	if k != kr {
		return nil, fmt.Errorf("left has %d columns, right has %d rows", k, kr)
	}
	if err := p.checkOffsets(offsets, nLocal); err != nil {
		return nil, err
	}
	n := offsets[len(offsets)-1]
	result := mat.NewDense(m, n, nil)
	if !p.distributed() {
		result.Mul(left, right)
		return result, nil
	}

	size, rank := p.comm.Size(), p.comm.Rank()
	block := mat.DenseCopyOf(right)
	for shift := 0; shift < size; shift++ {
		if shift > 0 {
			var err error
			if block, err = p.cycle(block); err != nil {
				return nil, err
			}
		}
		owner := (rank - shift + size) % size
		target := result.Slice(0, m, offsets[owner], offsets[owner+1]).(*mat.Dense)
		target.Mul(left, block)
	}
	return result, nil
}

// cycle passes block to the right neighbour and returns the block of the
// left neighbour. Even ranks send first, odd ranks receive first.
func (p *ParallelMatrixOperations) cycle(block *mat.Dense) (*mat.Dense, error) {
	if p.comm.Rank()%2 == 0 {
		if err := sendBlock(p.right, block); err != nil {
			return nil, err
		}
		return receiveBlock(p.left)
	}
	received, err := receiveBlock(p.left)
	if err != nil {
		return nil, err
	}
	return received, sendBlock(p.right, block)
}

func sendBlock(c network.Channel, block *mat.Dense) error {
	rows, cols := block.Dims()
	if err := c.SendInt(rows); err != nil {
		return err
	}
	if err := c.SendInt(cols); err != nil {
		return err
	}
	return c.SendDoubles(mat.DenseCopyOf(block).RawMatrix().Data)
}

func receiveBlock(c network.Channel) (*mat.Dense, error) {
	rows, err := c.ReceiveInt()
	if err != nil {
		return nil, err
	}
	cols, err := c.ReceiveInt()
	if err != nil {
		return nil, err
	}
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("received an empty %d×%d block", rows, cols)
	}
	data := make([]float64, rows*cols)
	if err := c.ReceiveDoubles(data); err != nil {
		return nil, err
	}
	return mat.NewDense(rows, cols, data), nil
}
