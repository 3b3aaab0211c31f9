package process

import (
	"errors"
	"fmt"
)

// State transition errors.
var (
	ErrInvalidTransition = errors.New("process: invalid state transition")
)

// State is the lifecycle state of a process.
type State int

const (
	// StateRunning means at least one thread may still run user code.
	StateRunning State = iota
	// StateGroupExiting means exit_group was called; remaining threads
	// exit at their next kernel boundary.
	StateGroupExiting
	// StateZombie means every thread has exited and the parent has not
	// collected the status yet.
	StateZombie
	// StateReaped means the process has been removed from the tables.
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateGroupExiting:
		return "group-exiting"
	case StateZombie:
		return "zombie"
	case StateReaped:
		return "reaped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateTransition represents a valid state transition.
type StateTransition struct {
	From State
	To   State
}

// ValidTransitions defines all valid state transitions.
var ValidTransitions = []StateTransition{
	// exit_group from any thread
	{From: StateRunning, To: StateGroupExiting},
	// Last thread exits normally
	{From: StateRunning, To: StateZombie},
	// Last thread of an exiting group
	{From: StateGroupExiting, To: StateZombie},
	// Collected by wait4 or auto-reaped
	{From: StateZombie, To: StateReaped},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to State) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// transitionLocked moves p to state to. Callers hold p.mu.
func (p *Process) transitionLocked(to State) error {
	if !IsValidTransition(p.state, to) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, p.state, to)
	}
	p.state = to
	return nil
}

// State returns the current state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Exiting reports whether the process is past StateRunning.
func (p *Process) Exiting() bool {
	return p.State() != StateRunning
}

// IsZombie reports whether the process waits to be reaped.
func (p *Process) IsZombie() bool {
	return p.State() == StateZombie
}
