package pipe

import "fmt"

// TurnState tracks where a turn is in its lifecycle. Transitions are
// validated so a finalized turn can never resume streaming.
type TurnState string

const (
	StateCreated      TurnState = "created"
	StateInProgress   TurnState = "in_progress"
	StateRunningTools TurnState = "running_tools"
	StateCompleted    TurnState = "completed"
	StateErrored      TurnState = "errored"
	StateCancelled    TurnState = "cancelled"
)

var turnTransitions = map[TurnState][]TurnState{
	StateCreated:      {StateInProgress, StateErrored, StateCancelled},
	StateInProgress:   {StateRunningTools, StateCompleted, StateErrored, StateCancelled},
	StateRunningTools: {StateInProgress, StateCompleted, StateErrored, StateCancelled},
}

// turnTracker is a small validated state machine.
type turnTracker struct {
	state TurnState
}

func newTurnTracker() *turnTracker {
	return &turnTracker{state: StateCreated}
}

func (t *turnTracker) State() TurnState { return t.state }

func (t *turnTracker) Terminal() bool {
	switch t.state {
	case StateCompleted, StateErrored, StateCancelled:
		return true
	}
	return false
}

func (t *turnTracker) To(next TurnState) error {
	if t.state == next {
		return nil
	}
	for _, allowed := range turnTransitions[t.state] {
		if allowed == next {
			t.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid turn transition %s -> %s", t.state, next)
}
