package transcript

import (
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/replbridge/internal/errkind"
)

// validTransitions enumerates the only state changes StateMachine allows.
// Idle -> AwaitingResponse happens on inject; AwaitingResponse -> Delivered
// happens once a capture layer produces an accepted (non-duplicate)
// response; Delivered -> Idle closes the turn out. A stuck
// AwaitingResponse can also fall back to Idle directly (capture exhausted,
// spec §7), so that path is allowed too.
var validTransitions = map[TurnState][]TurnState{
	StateIdle:             {StateAwaitingResponse},
	StateAwaitingResponse: {StateDelivered, StateIdle},
	StateDelivered:        {StateIdle},
}

// StateMachine tracks one session's turn state, guarding transitions so
// callers from different capture layers can't race the state past an
// invalid edge.
type StateMachine struct {
	mu    sync.Mutex
	state TurnState
}

// NewStateMachine starts in StateIdle.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

// Current returns the current state.
func (sm *StateMachine) Current() TurnState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Transition moves to next if the edge is valid, returning an error
// otherwise.
func (sm *StateMachine) Transition(next TurnState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, allowed := range validTransitions[sm.state] {
		if allowed == next {
			sm.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: invalid turn transition %s -> %s", errkind.ValidationFailure, sm.state, next)
}
