package relay

import (
	"sync"
)

// State of one relay connection.
type State string

const (
	StateAwaitingStart State = "awaiting_start"
	StateStreaming     State = "streaming"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

func (s State) String() string { return string(s) }

// InvalidTransitionError reports a transition the machine does not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid relay transition from " + e.From.String() + " to " + e.To.String()
}

// stateMachine serializes the relay lifecycle for one connection. Closed
// is terminal; no event is processed past it.
type stateMachine struct {
	mu      sync.RWMutex
	current State
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateAwaitingStart}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateAwaitingStart: {StateStreaming, StateClosing},
		StateStreaming:     {StateClosing},
		StateClosing:       {StateClosed},
		StateClosed:        {},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *stateMachine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !transitionValid(m.current, to) {
		return &InvalidTransitionError{From: m.current, To: to}
	}
	m.current = to
	return nil
}
