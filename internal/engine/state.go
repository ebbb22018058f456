package engine

import "fmt"

// ItemState is the scheduler-level state of one item. Gateway retry
// sub-states are not visible here.
type ItemState string

const (
	ItemPending           ItemState = "Pending"
	ItemInFlight          ItemState = "InFlight"
	ItemSucceeded         ItemState = "Succeeded"
	ItemFailedPermanently ItemState = "FailedPermanently"
	ItemInterrupted       ItemState = "Interrupted"
	ItemSkipped           ItemState = "Skipped"
)

// RunState maps item id to its current state.
type RunState map[string]ItemState

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s ItemState) bool {
	switch s {
	case ItemSucceeded, ItemFailedPermanently, ItemInterrupted, ItemSkipped:
		return true
	default:
		return false
	}
}

// Transition performs an atomic validated transition for a single item.
//
// The caller supplies the expected prior state (from) to make races observable.
// The map is mutated if and only if the transition is valid.
func Transition(state RunState, itemID string, from, to ItemState) error {
	cur, ok := state[itemID]
	if !ok {
		return fmt.Errorf("unknown item in state: %q", itemID)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", itemID, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", itemID, from, to)
	}
	state[itemID] = to
	return nil
}

func isAllowedTransition(from, to ItemState) bool {
	switch from {
	case ItemPending:
		return to == ItemInFlight || to == ItemSkipped || to == ItemInterrupted
	case ItemInFlight:
		return to == ItemSucceeded || to == ItemFailedPermanently || to == ItemInterrupted
	default:
		return false
	}
}
