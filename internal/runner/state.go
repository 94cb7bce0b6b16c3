package runner

import (
	"fmt"
	"slices"

	"github.com/signalnine/gauntlet/internal/result"
)

// transitions lists the legal next states. Every run, including a failed
// one, passes through archiving before it reaches a terminal state.
var transitions = map[result.RunState][]result.RunState{
	result.StateCreated:      {result.StateProvisioning},
	result.StateProvisioning: {result.StateExecuting, result.StateArchiving},
	result.StateExecuting:    {result.StateValidating, result.StateArchiving},
	result.StateValidating:   {result.StateExecuting, result.StateArchiving},
	result.StateArchiving:    {result.StateArchived, result.StateFailed, result.StateTimedOut},
}

// Terminal reports whether s ends the lifecycle.
func Terminal(s result.RunState) bool {
	switch s {
	case result.StateArchived, result.StateFailed, result.StateTimedOut:
		return true
	}
	return false
}

// advance moves run to state to, rejecting transitions the lifecycle does
// not allow.
func advance(run *result.Run, to result.RunState) error {
	if !slices.Contains(transitions[run.State], to) {
		return fmt.Errorf("run %s: illegal transition %s -> %s", run.ID, run.State, to)
	}
	run.State = to
	return nil
}

// terminalState maps a final run status to its terminal state.
func terminalState(status result.RunStatus) result.RunState {
	switch status {
	case result.StatusCompleted:
		return result.StateArchived
	case result.StatusTimeout:
		return result.StateTimedOut
	default:
		return result.StateFailed
	}
}
