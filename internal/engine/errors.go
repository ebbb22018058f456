package engine

import (
	"errors"
	"fmt"
)

var ErrCancelled = errors.New("run cancelled")

// FatalError aborts a run. Completed checkpoints stay valid; the item named
// here is not checkpointed.
type FatalError struct {
	Op     string
	ItemID string
	Err    error
}

func (e *FatalError) Error() string {
	if e == nil {
		return ""
	}
	if e.ItemID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ItemID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// FailedItemID names the item the run aborted on.
func (e *FatalError) FailedItemID() string { return e.ItemID }
