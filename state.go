package netreactor

import (
	"sync/atomic"
)

// State is the lifecycle state of a [Runtime] or [Timer].
//
//	StateAwake → StateRunning      [Run]
//	StateAwake → StateTerminated   [Close before Run]
//	StateRunning → StateStopping   [Stop, context cancellation, poll failure]
//	StateStopping → StateTerminated [teardown complete]
//
// A stop requested while awake is remembered, and makes Run tear down
// immediately.
type State uint32

const (
	// StateAwake indicates the instance has been created but not started.
	StateAwake State = iota
	// StateRunning indicates the loop is running.
	StateRunning
	// StateStopping indicates the loop is exiting and releasing resources.
	StateStopping
	// StateTerminated indicates the instance is fully shut down.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopState is a CAS state machine shared by Runtime and Timer.
type loopState struct {
	v atomic.Uint32
}

func (s *loopState) Load() State {
	return State(s.v.Load())
}

// Store is only valid for the terminal state.
func (s *loopState) Store(state State) {
	s.v.Store(uint32(state))
}

func (s *loopState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
