package session

import "fmt"

type State int32

const (
	StateHandshaking State = iota + 1
	StateActive
	StateDraining
	StateErroring
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateErroring:
		return "erroring"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var transitions = map[State][]State{
	StateHandshaking: {StateActive, StateErroring, StateDraining},
	StateActive:      {StateDraining, StateErroring},
	StateDraining:    {StateClosed, StateErroring},
	StateErroring:    {StateClosed},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
