package worker

import (
	"sync/atomic"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

// State is the worker's position in the discovery/session lifecycle.
type State int32

const (
	Idle State = iota
	Connecting
	Working
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Working:
		return "working"
	}
	return "unknown"
}

var allowedTransitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Working, Idle},
	Working:    {Idle},
}

func isAllowedTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateMachine holds the current State. Transitions are compare-and-swap so
// two datagrams arriving together cannot both start a session.
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) Load() State { return State(m.v.Load()) }

// Transition moves from -> to. It fails when the move is not allowed or the
// current state is not from.
func (m *stateMachine) Transition(from, to State) error {
	if !isAllowedTransition(from, to) {
		return &domain.InvalidTransitionError{From: from.String(), To: to.String()}
	}
	if !m.v.CompareAndSwap(int32(from), int32(to)) {
		return &domain.InvalidTransitionError{From: from.String(), To: to.String(), Current: m.Load().String()}
	}
	return nil
}
