package adapter

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bindrun/bindrun/pkg/schema"
)

// Fixture is one canned response for a replay adapter. A fixture with a
// non-empty ErrorCode fails instead of responding; TRANSIENT codes exercise
// retry paths in tests.
type Fixture struct {
	Response  json.RawMessage `json:"response,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// ReplayAdapter serves canned responses from a fixture file instead of
// calling a backend. Deterministic by construction, which makes it the
// adapter of choice for dry runs and report-stability tests. Each operation
// maps to a sequence of fixtures consumed call by call; the last fixture
// repeats once the sequence is exhausted.
type ReplayAdapter struct {
	mu       sync.Mutex
	fixtures map[string][]Fixture
	calls    map[string]int
}

// NewReplayAdapter creates a replay adapter over a fixture set keyed by
// operation name.
func NewReplayAdapter(fixtures map[string][]Fixture) *ReplayAdapter {
	return &ReplayAdapter{
		fixtures: fixtures,
		calls:    make(map[string]int),
	}
}

// ParseFixtures decodes a fixture file: a JSON object mapping operation
// names to fixture arrays.
func ParseFixtures(data []byte) (map[string][]Fixture, error) {
	var fixtures map[string][]Fixture
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "parse fixtures").WithCause(err)
	}
	return fixtures, nil
}

// Execute returns the next fixture for the operation. Unknown operations
// fail permanently, matching what a real backend would do.
func (a *ReplayAdapter) Execute(ctx context.Context, kind schema.OperationKind, operation string, inputs map[string]any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "replay adapter: context done").WithCause(err)
	}

	a.mu.Lock()
	seq, ok := a.fixtures[operation]
	if !ok || len(seq) == 0 {
		a.mu.Unlock()
		return nil, Permanent(operation, "no fixture for operation", nil)
	}
	idx := a.calls[operation]
	a.calls[operation]++
	a.mu.Unlock()

	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	fixture := seq[idx]

	if fixture.ErrorCode != "" {
		msg := fixture.Message
		if msg == "" {
			msg = "fixture error"
		}
		return nil, schema.NewErrorf(fixture.ErrorCode, "%s: %s", operation, msg)
	}
	return fixture.Response, nil
}

// Calls returns how many times an operation has been executed.
func (a *ReplayAdapter) Calls(operation string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[operation]
}
