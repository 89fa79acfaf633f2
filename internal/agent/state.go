package agent

import "fmt"

// State lifecycle state of the instance an agent runs on
type State string

const (
	StateActive              State = "active"
	StateTerminationImminent State = "termination_imminent"
	StateRebalanceDetected   State = "rebalance_detected"
	StateReplicaReady        State = "replica_ready"
	StateSwitching           State = "switching"
	StateRetiring            State = "retiring"
	StateTerminated          State = "terminated"
)

// transitions lists the states reachable from each state. Nothing leaves Terminated.
var transitions = map[State][]State{
	StateActive:              {StateTerminationImminent, StateRebalanceDetected, StateSwitching, StateTerminated},
	StateTerminationImminent: {StateReplicaReady, StateTerminated},
	StateRebalanceDetected:   {StateActive, StateSwitching, StateTerminationImminent, StateTerminated},
	StateReplicaReady:        {StateSwitching, StateTerminated},
	StateSwitching:           {StateRetiring, StateActive, StateTerminated},
	StateRetiring:            {StateTerminated},
	StateTerminated:          {},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is returned when a path tries a move the state machine forbids
type ErrIllegalTransition struct {
	From State
	To   State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.From, e.To)
}
