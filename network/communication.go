package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/luca-patrignani/cosim/discovery"
)

// Communication is a Channel over a stream connection, usually TCP.
//
// Establishment is split in the same steps on both sides:
//
//	acceptor:  PrepareEstablishment, AcceptConnection, CleanupEstablishment
//	requester: RequestConnection
//
// The acceptor publishes its listening address in a discovery.Directory under
// discovery.EndpointName(acceptor, requester); the requester waits for it.
type Communication struct {
	dir    discovery.Directory
	host   string
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	endpoint string
	conn     net.Conn
	reader   *bufio.Reader
	closed   bool
}

type CommunicationOption func(*Communication)

// WithHost sets the interface the acceptor listens on. Defaults to localhost.
func WithHost(host string) CommunicationOption {
	return func(c *Communication) {
		c.host = host
	}
}

func WithLogger(logger *slog.Logger) CommunicationOption {
	return func(c *Communication) {
		c.logger = logger
	}
}

func NewCommunication(dir discovery.Directory, opts ...CommunicationOption) *Communication {
	c := &Communication{
		dir:    dir,
		host:   "localhost",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newConnected wraps an already established connection.
func newConnected(conn net.Conn) *Communication {
	return &Communication{
		logger: slog.Default(),
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Pipe returns the two ends of a synchronous in-memory Channel.
// A send blocks until the other end receives it.
func Pipe() (*Communication, *Communication) {
	a, b := net.Pipe()
	return newConnected(a), newConnected(b)
}

// PrepareEstablishment opens the listener and publishes its address.
func (c *Communication) PrepareEstablishment(acceptor, requester string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.listener != nil {
		return fmt.Errorf("establishment of %s already prepared", c.endpoint)
	}
	l, err := net.Listen("tcp", net.JoinHostPort(c.host, "0"))
	if err != nil {
		return err
	}
	endpoint := discovery.EndpointName(acceptor, requester)
	if err := c.dir.Publish(endpoint, l.Addr().String()); err != nil {
		return errors.Join(err, l.Close())
	}
	c.listener = l
	c.endpoint = endpoint
	c.logger.Debug("published endpoint", "endpoint", endpoint, "address", l.Addr().String())
	return nil
}

// AcceptConnection blocks until the requester connects or ctx is done.
func (c *Communication) AcceptConnection(ctx context.Context) error {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return errors.New("accept without PrepareEstablishment")
	}

	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		accepted <- result{conn, err}
	}()

	var r result
	select {
	case r = <-accepted:
	case <-ctx.Done():
		// unblocks Accept
		err := l.Close()
		<-accepted
		return errors.Join(ctx.Err(), err)
	}
	if r.err != nil {
		return fmt.Errorf("accepting %s: %w", c.endpoint, r.err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Join(ErrClosed, r.conn.Close())
	}
	c.conn = r.conn
	c.reader = bufio.NewReader(r.conn)
	c.logger.Debug("accepted connection", "endpoint", c.endpoint, "remote", r.conn.RemoteAddr().String())
	return nil
}

// CleanupEstablishment withdraws the published address and stops listening.
// An established connection stays open.
func (c *Communication) CleanupEstablishment() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	err := errors.Join(c.dir.Remove(c.endpoint), c.closeListener())
	c.listener = nil
	return err
}

func (c *Communication) closeListener() error {
	err := c.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// RequestConnection waits until the acceptor has published its address and dials it.
func (c *Communication) RequestConnection(ctx context.Context, acceptor, requester string) error {
	endpoint := discovery.EndpointName(acceptor, requester)
	address, err := discovery.Wait(ctx, c.dir, endpoint)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("connecting to %s at %s: %w", endpoint, address, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Join(ErrClosed, conn.Close())
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.endpoint = endpoint
	c.logger.Debug("requested connection", "endpoint", endpoint, "address", address)
	return nil
}

func (c *Communication) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	var err error
	if c.listener != nil {
		err = errors.Join(c.dir.Remove(c.endpoint), c.closeListener())
		c.listener = nil
	}
	if c.conn != nil {
		err = errors.Join(err, c.conn.Close())
	}
	return err
}

// link is the connected state read by the sending and receiving goroutines.
type link struct {
	conn     net.Conn
	reader   *bufio.Reader
	endpoint string
}

// ready returns the connection under the lock. Close may run concurrently
// with a blocked read; it closes conn, which fails the read.
func (c *Communication) ready() (link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return link{}, ErrClosed
	}
	if c.conn == nil {
		return link{}, errors.New("channel not connected")
	}
	return link{conn: c.conn, reader: c.reader, endpoint: c.endpoint}, nil
}

func (c *Communication) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Communication) write(frame []byte) error {
	l, err := c.ready()
	if err != nil {
		return err
	}
	if _, err := l.conn.Write(frame); err != nil {
		if c.isClosed() {
			err = errors.Join(ErrClosed, err)
		}
		return fmt.Errorf("sending on %s: %w", l.endpoint, err)
	}
	return nil
}

func (c *Communication) read(k kind, count int) ([]byte, error) {
	l, err := c.ready()
	if err != nil {
		return nil, err
	}
	payload, err := readFrame(l.reader, k, count)
	if err != nil {
		if c.isClosed() {
			err = errors.Join(ErrClosed, err)
		}
		return nil, fmt.Errorf("receiving on %s: %w", l.endpoint, err)
	}
	return payload, nil
}

func (c *Communication) SendInt(v int) error {
	return c.write(intFrame(v))
}

func (c *Communication) ReceiveInt() (int, error) {
	payload, err := c.read(kindInt, 1)
	if err != nil {
		return 0, err
	}
	return decodeInt(payload), nil
}

func (c *Communication) SendBool(v bool) error {
	return c.write(boolFrame(v))
}

func (c *Communication) ReceiveBool() (bool, error) {
	payload, err := c.read(kindBool, 1)
	if err != nil {
		return false, err
	}
	return payload[0] != 0, nil
}

func (c *Communication) SendDouble(v float64) error {
	return c.write(doubleFrame(v))
}

func (c *Communication) ReceiveDouble() (float64, error) {
	payload, err := c.read(kindDouble, 1)
	if err != nil {
		return 0, err
	}
	var v [1]float64
	decodeDoubles(payload, v[:])
	return v[0], nil
}

func (c *Communication) SendDoubles(values []float64) error {
	return c.write(doublesFrame(values))
}

// ReceiveDoubles fills values. A message of another length is an ErrSizeMismatch.
func (c *Communication) ReceiveDoubles(values []float64) error {
	payload, err := c.read(kindDoubles, len(values))
	if err != nil {
		return err
	}
	decodeDoubles(payload, values)
	return nil
}
