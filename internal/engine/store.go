package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bindrun/bindrun/pkg/schema"
)

// stepResult is the terminal record for one step.
type stepResult struct {
	status  schema.StepStatus
	outputs map[string]any
	raw     json.RawMessage
	err     error
}

// ResultStore records step outcomes write-once and lets consumers block
// until a producer finishes. Every step is declared up front; each entry
// transitions exactly once from pending to a terminal record, after which
// its done channel is closed and the record is immutable.
type ResultStore struct {
	mu      sync.RWMutex
	entries map[string]*storeEntry
}

type storeEntry struct {
	done   chan struct{}
	result stepResult
}

// NewResultStore creates a store with an entry declared for each step ID.
func NewResultStore(stepIDs []string) *ResultStore {
	entries := make(map[string]*storeEntry, len(stepIDs))
	for _, id := range stepIDs {
		entries[id] = &storeEntry{
			done:   make(chan struct{}),
			result: stepResult{status: schema.StepStatusPending},
		}
	}
	return &ResultStore{entries: entries}
}

// Complete records a successful result. Fails with CONFLICT if the step
// already holds a terminal record.
func (s *ResultStore) Complete(stepID string, outputs map[string]any, raw json.RawMessage) error {
	return s.settle(stepID, stepResult{
		status:  schema.StepStatusSucceeded,
		outputs: outputs,
		raw:     raw,
	})
}

// Fail records a failure.
func (s *ResultStore) Fail(stepID string, cause error) error {
	return s.settle(stepID, stepResult{status: schema.StepStatusFailed, err: cause})
}

// Skip records a skip. The cause distinguishes an intentional condition skip
// (nil) from a dependency cascade (the upstream error).
func (s *ResultStore) Skip(stepID string, cause error) error {
	return s.settle(stepID, stepResult{status: schema.StepStatusSkipped, err: cause})
}

func (s *ResultStore) settle(stepID string, result stepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[stepID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeStore, "step %q was never declared", stepID).WithStep(stepID)
	}
	if entry.result.status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q already settled as %s", stepID, entry.result.status).WithStep(stepID)
	}
	entry.result = result
	close(entry.done)
	return nil
}

// Await blocks until the step settles or the context expires, then returns
// its outputs. A failed or skipped producer surfaces as DEPENDENCY_FAILED.
func (s *ResultStore) Await(ctx context.Context, stepID string) (map[string]any, error) {
	s.mu.RLock()
	entry, ok := s.entries[stepID]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "step %q was never declared", stepID)
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeCancelled,
			"cancelled while awaiting step %q", stepID).WithCause(ctx.Err())
	}

	s.mu.RLock()
	result := entry.result
	s.mu.RUnlock()

	if result.status != schema.StepStatusSucceeded {
		return nil, schema.NewErrorf(schema.ErrCodeDependencyFailed,
			"step %q finished as %s", stepID, result.status).WithCause(result.err)
	}
	return result.outputs, nil
}

// Outputs returns the recorded outputs of a settled, succeeded step without
// blocking. ok is false when the step is unsettled or did not succeed.
func (s *ResultStore) Outputs(stepID string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[stepID]
	if !ok || entry.result.status != schema.StepStatusSucceeded {
		return nil, false
	}
	return entry.result.outputs, true
}

// Status returns the current status of a step.
func (s *ResultStore) Status(stepID string) (schema.StepStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[stepID]
	if !ok {
		return "", false
	}
	return entry.result.status, true
}

// Raw returns the opaque backend response recorded for a succeeded step.
func (s *ResultStore) Raw(stepID string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[stepID]
	if !ok || entry.result.status != schema.StepStatusSucceeded {
		return nil, false
	}
	return entry.result.raw, true
}

// Snapshot returns the outputs of every succeeded step keyed by step ID.
// Used as the `steps` variable in condition scopes.
func (s *ResultStore) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]any, len(s.entries))
	for id, entry := range s.entries {
		if entry.result.status == schema.StepStatusSucceeded {
			snapshot[id] = entry.result.outputs
		}
	}
	return snapshot
}
