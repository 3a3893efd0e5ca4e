package network

import "errors"

var (
	// ErrClosed is returned when a channel is used or closed after Close.
	ErrClosed = errors.New("channel closed")

	// ErrUnexpectedMessage is returned when the next message on a channel
	// has a different type than the one being received.
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrSizeMismatch is returned when a received vector does not fit the
	// destination buffer.
	ErrSizeMismatch = errors.New("size mismatch")
)

// Channel is a blocking, ordered, point-to-point link between two processes.
// Every Send on one end is matched by exactly one Receive of the same type
// on the other end.
type Channel interface {
	SendInt(v int) error
	ReceiveInt() (int, error)
	SendBool(v bool) error
	ReceiveBool() (bool, error)
	SendDouble(v float64) error
	ReceiveDouble() (float64, error)
	SendDoubles(values []float64) error
	// ReceiveDoubles fills values and fails with ErrSizeMismatch when the
	// sender sent a different number of elements.
	ReceiveDoubles(values []float64) error
	Close() error
}
