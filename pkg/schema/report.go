package schema

import (
	"encoding/json"
	"time"
)

// StepStatus enumerates per-step lifecycle states.
// Pending → Running → {Succeeded | Failed}, or Pending → Skipped.
// A step whose dependency fails never leaves Pending before Skipped.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the status is final.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// SkipReason records why a step was skipped. Condition skips are intentional
// and keep the run's exit status clean; dependency skips are cascaded
// failures and do not.
type SkipReason string

const (
	SkipReasonNone       SkipReason = ""
	SkipReasonCondition  SkipReason = "condition"  // CEL guard evaluated false
	SkipReasonDependency SkipReason = "dependency" // upstream failure cascade
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// StepReport is the complete outcome record for one step.
type StepReport struct {
	StepID         string          `json:"step_id"`
	Status         StepStatus      `json:"status"`
	SkipReason     SkipReason      `json:"skip_reason,omitempty"`
	ResolvedInputs map[string]any  `json:"resolved_inputs,omitempty"` // inputs actually sent to the adapter
	Outputs        map[string]any  `json:"outputs,omitempty"`         // extracted declared outputs
	RawResult      json.RawMessage `json:"raw_result,omitempty"`      // opaque adapter response
	Error          *Error          `json:"error,omitempty"`
	Attempts       int             `json:"attempts,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationMs     int64           `json:"duration_ms,omitempty"`
}

// Report is the full per-run outcome record, covering every step of the
// attempted run, not just the first failure.
type Report struct {
	RunID       string                 `json:"run_id"`
	SpecName    string                 `json:"spec_name,omitempty"`
	Status      RunStatus              `json:"status"`
	Steps       map[string]*StepReport `json:"steps"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Failed reports whether any step ended in Failed or in a Skipped state
// cascaded from a failure. Intentional condition skips (and their cascades)
// do not count.
func (r *Report) Failed() bool {
	for _, sr := range r.Steps {
		if sr.Status == StepStatusFailed {
			return true
		}
		if sr.Status == StepStatusSkipped && sr.SkipReason == SkipReasonDependency {
			return true
		}
	}
	return false
}

// Canonical returns a deterministic JSON rendering of the report with all
// wall-clock fields stripped. Re-running an identical spec against a
// deterministic adapter yields byte-identical Canonical output.
func (r *Report) Canonical() ([]byte, error) {
	type canonicalStep struct {
		StepID         string          `json:"step_id"`
		Status         StepStatus      `json:"status"`
		SkipReason     SkipReason      `json:"skip_reason,omitempty"`
		ResolvedInputs map[string]any  `json:"resolved_inputs,omitempty"`
		Outputs        map[string]any  `json:"outputs,omitempty"`
		RawResult      json.RawMessage `json:"raw_result,omitempty"`
		Error          *Error          `json:"error,omitempty"`
		Attempts       int             `json:"attempts,omitempty"`
	}
	type canonicalReport struct {
		SpecName string                    `json:"spec_name,omitempty"`
		Status   RunStatus                 `json:"status"`
		Steps    map[string]*canonicalStep `json:"steps"`
	}

	cr := canonicalReport{
		SpecName: r.SpecName,
		Status:   r.Status,
		Steps:    make(map[string]*canonicalStep, len(r.Steps)),
	}
	for id, sr := range r.Steps {
		cr.Steps[id] = &canonicalStep{
			StepID:         sr.StepID,
			Status:         sr.Status,
			SkipReason:     sr.SkipReason,
			ResolvedInputs: sr.ResolvedInputs,
			Outputs:        sr.Outputs,
			RawResult:      sr.RawResult,
			Error:          sr.Error,
			Attempts:       sr.Attempts,
		}
	}
	return json.MarshalIndent(cr, "", "  ")
}
