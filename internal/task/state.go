package task

import (
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"stemflow/internal/services"
)

// State is the lifecycle state of a Task.
type State string

const (
	StateInitialized State = "initialized"
	StateWaiting     State = "waiting"
	StateSubmitted   State = "submitted"
	StateCompleted   State = "completed"
	StateAborted     State = "aborted"
	StateExcepted    State = "excepted"
	StateCancelled   State = "cancelled"
)

var transitions = map[State][]State{
	StateInitialized: {StateWaiting},
	StateWaiting:     {StateSubmitted, StateCancelled},
	StateSubmitted:   {StateCompleted, StateAborted, StateExcepted},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateExcepted, StateCancelled:
		return true
	default:
		return false
	}
}

// Label renders the state for display.
func (s State) Label() string {
	return cases.Title(language.Und).String(string(s))
}

// ParseState validates a textual state.
func ParseState(value string) (State, bool) {
	s := State(value)
	switch s {
	case StateInitialized, StateWaiting, StateSubmitted, StateCompleted, StateAborted, StateExcepted, StateCancelled:
		return s, true
	default:
		return "", false
	}
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func validateTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return services.Wrap(services.ErrValidation, "task", "transition",
		fmt.Sprintf("invalid state transition from %s to %s", from, to), nil)
}
