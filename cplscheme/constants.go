package cplscheme

import "fmt"

const (
	UndefinedTime               = -1.0
	UndefinedTimeWindows        = -1
	UndefinedTimeWindowSize     = -1.0
	UndefinedExtrapolationOrder = -1
	UndefinedMaxIterations      = -1
)

// Action tokens exchanged with the driving solver.
const (
	ActionWriteIterationCheckpoint = "write-iteration-checkpoint"
	ActionReadIterationCheckpoint  = "read-iteration-checkpoint"
	ActionWriteInitialData         = "write-initial-data"
)

var actions = []string{
	ActionWriteIterationCheckpoint,
	ActionReadIterationCheckpoint,
	ActionWriteInitialData,
}

const defaultValidDigits = 10

// Kind selects how a scheme exchanges data. It is fixed at construction.
type Kind int

const (
	Explicit Kind = iota
	ImplicitBi
	ImplicitMulti
)

func (k Kind) String() string {
	switch k {
	case Explicit:
		return "explicit"
	case ImplicitBi:
		return "implicit"
	case ImplicitMulti:
		return "implicit-multi"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) IsImplicit() bool {
	return k != Explicit
}
