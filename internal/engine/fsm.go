package engine

import (
	"github.com/bindrun/bindrun/pkg/schema"
)

// stepTransitions is the legal step lifecycle. A pending step either starts
// running or is skipped outright; a running step ends succeeded or failed.
// Terminal states have no outgoing transitions.
var stepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusFailed},
	schema.StepStatusRunning: {schema.StepStatusSucceeded, schema.StepStatusFailed},
}

// CanTransition reports whether moving a step from one status to another is
// legal.
func CanTransition(from, to schema.StepStatus) bool {
	for _, next := range stepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new status, or a CONFLICT error for
// an illegal move. Terminal statuses reject every transition, which is what
// makes step records effectively write-once.
func Transition(stepID string, from, to schema.StepStatus) (schema.StepStatus, error) {
	if !CanTransition(from, to) {
		return from, schema.NewErrorf(schema.ErrCodeConflict,
			"illegal step transition %s to %s", from, to).WithStep(stepID)
	}
	return to, nil
}
