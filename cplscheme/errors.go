package cplscheme

import "errors"

var (
	// ErrConfiguration is returned when a scheme, its data or its
	// acceleration is set up inconsistently. Setup should abort.
	ErrConfiguration = errors.New("configuration error")

	// ErrProtocol is returned when the driving solver breaks the calling
	// contract, for example advancing after the coupling has ended.
	ErrProtocol = errors.New("protocol violation")

	// ErrStrictNotConverged is returned when the iteration limit is reached
	// while a strict convergence measure is still failing.
	ErrStrictNotConverged = errors.New("strict convergence measure not converged")
)
