package cplscheme

import "github.com/luca-patrignani/cosim/history"

// M2N is the link to one coupling partner. Vectors are the local part of a
// distributed buffer; scalars are identical on all ranks.
type M2N interface {
	Send(values []float64) error
	Receive(values []float64) error
	SendBool(v bool) error
	ReceiveBool() (bool, error)
	SendDouble(v float64) error
	ReceiveDouble() (float64, error)
}

// Acceleration improves the fixed-point iteration of an implicit scheme.
// It mutates the values of the data it was configured for in place.
type Acceleration interface {
	// Initialize checks that every configured data id is in data and sizes
	// the internal buffers.
	Initialize(data DataMap) error
	PerformAcceleration(data DataMap) error
	// IterationsConverged is called once per window instead of
	// PerformAcceleration when the window has converged.
	IterationsConverged(data DataMap) error
	Close() error
}

// Recorder receives one entry per completed time window. *history.Log is one.
type Recorder interface {
	Append(w history.Window) error
}
