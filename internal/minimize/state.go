package minimize

import (
	"errors"
	"fmt"
)

// State is the lifecycle stage of a single minimization.
type State string

const (
	StateInit       State = "init"
	StateConfigured State = "configured"
	StateRunning    State = "running"
	StateConverged  State = "converged"
	StateFailed     State = "failed"
	StateValidating State = "validating"
	StateValidated  State = "validated"
	StateInvalid    State = "invalid"
)

var ErrTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	StateInit:       {StateConfigured},
	StateConfigured: {StateRunning},
	StateRunning:    {StateConverged, StateFailed},
	StateConverged:  {StateValidating},
	StateValidating: {StateValidated, StateInvalid},
}

// Machine tracks the state of one minimization.
type Machine struct {
	state State
}

// NewMachine starts in StateInit.
func NewMachine() *Machine { return &Machine{state: StateInit} }

// State returns the current state.
func (m *Machine) State() State { return m.state }

// To moves to next, failing on transitions the lifecycle does not allow.
func (m *Machine) To(next State) error {
	for _, s := range transitions[m.state] {
		if s == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrTransition, m.state, next)
}

// Terminal reports whether no further transition is possible.
func (m *Machine) Terminal() bool {
	return len(transitions[m.state]) == 0
}
