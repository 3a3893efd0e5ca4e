// Package cplscheme implements coupling schemes: the state machine that lets
// two or more solvers advance through simulated time together.
//
// # Driving a scheme
//
// A solver calls Initialize, then InitializeData if data requires
// initialization, then Advance once per time step while IsCouplingOngoing
// holds, and finally Finalize. Between calls it asks IsActionRequired for the
// three action tokens and answers with MarkActionFulfilled:
//
//	write-initial-data          write initial values before InitializeData
//	write-iteration-checkpoint  save the solver state at the start of a window
//	read-iteration-checkpoint   restore it because the window is repeated
//
// # Kinds
//
// Explicit schemes exchange once per time window. Implicit schemes repeat a
// window until the convergence measures of the accelerating participant are
// satisfied or MaxIterations is reached, applying an Acceleration to every
// sub-iteration. NewParallelScheme couples two participants and
// NewMultiScheme couples a controller with several.
package cplscheme
