package order

import (
	"fmt"
	"sync"
)

// StateTransition pairs a source and destination status.
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine validates order status transitions. A limit order that the
// broker rejects or that times out may be resubmitted as a market order,
// which is the FALLBACK_SUBMITTED branch.
type StateMachine struct {
	transitions map[StateTransition]bool
	mu          sync.RWMutex
}

func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

func (sm *StateMachine) initializeTransitions() {
	legal := []StateTransition{
		{StatusPending, StatusFilled},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusTimedOut},
		{StatusPending, StatusRejected},

		// A rejected or timed-out limit submission may fall back to market.
		{StatusRejected, StatusFallbackSubmitted},
		{StatusTimedOut, StatusFallbackSubmitted},

		{StatusFallbackSubmitted, StatusFilled},
		{StatusFallbackSubmitted, StatusCancelled},
		{StatusFallbackSubmitted, StatusRejected},
	}

	for _, t := range legal {
		sm.transitions[t] = true
	}
}

// ValidateTransition returns an error when from->to is not a legal move.
// Identical states are allowed for idempotent updates.
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if from == to {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}
	return nil
}

// AllowedTransitions returns every legal destination for the current status.
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	allowed := make([]Status, 0)
	for transition := range sm.transitions {
		if transition.From == current {
			allowed = append(allowed, transition.To)
		}
	}
	return allowed
}

// IsFinalState reports whether no further transitions can occur.
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanCancel reports whether a cancel request makes sense for the status.
func (sm *StateMachine) CanCancel(status Status) bool {
	switch status {
	case StatusPending, StatusFallbackSubmitted:
		return true
	default:
		return false
	}
}
