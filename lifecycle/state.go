package lifecycle

import (
	"errors"
	"fmt"
)

// State is the position of the controller in the load lifecycle
type State int

const (
	StateInit State = iota
	StatePrepared
	StateBegin
	StateAccumulating
	StateFlushing
	StateCommitted
	StateReleased
	StateFailed
)

var stateNames = [...]string{
	StateInit:         "init",
	StatePrepared:     "prepared",
	StateBegin:        "begin",
	StateAccumulating: "accumulating",
	StateFlushing:     "flushing",
	StateCommitted:    "committed",
	StateReleased:     "released",
	StateFailed:       "failed",
}

// AllStates lists every state, used to reset status gauges
var AllStates = []State{
	StateInit, StatePrepared, StateBegin, StateAccumulating,
	StateFlushing, StateCommitted, StateReleased, StateFailed,
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// InTransaction reports whether a transaction is open
func (s State) InTransaction() bool {
	return s == StateBegin || s == StateAccumulating || s == StateFlushing
}

// canTransition encodes the lifecycle graph. Released is terminal and any
// other state may fail.
func canTransition(from, to State) bool {
	switch to {
	case StatePrepared:
		return from == StateInit
	case StateBegin:
		return from == StatePrepared || from == StateCommitted
	case StateAccumulating, StateFlushing, StateCommitted:
		return from.InTransaction()
	case StateReleased:
		return true
	case StateFailed:
		return from != StateReleased
	default:
		return false
	}
}

// Phase names a loader call. They are also the first argument passed to the
// load script.
type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseBegin   Phase = "begin"
	PhaseApply   Phase = "apply"
	PhaseCommit  Phase = "commit"
	PhaseRelease Phase = "release"
	PhaseFlush   Phase = "flush"
)

var (
	// ErrPhaseFailure matches every loader or flush failure
	ErrPhaseFailure = errors.New("load phase failed")

	// ErrInvalidTransition is returned for out-of-order lifecycle calls
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrFailed is returned by calls on a failed controller
	ErrFailed = errors.New("load lifecycle failed")
)

// PhaseError carries the phase that failed
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Is makes every PhaseError match ErrPhaseFailure
func (e *PhaseError) Is(target error) bool {
	return target == ErrPhaseFailure
}

// FlushFailure wraps a batch writer error as a flush phase failure
func FlushFailure(err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{Phase: PhaseFlush, Err: err}
}
