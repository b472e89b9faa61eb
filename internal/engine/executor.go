// Package engine executes validated workflow specs. The scheduler dispatches
// a step the moment every dependency has settled, subject to a bounded
// worker pool; results are recorded write-once and every step of the run is
// accounted for in the final report.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bindrun/bindrun/internal/adapter"
	"github.com/bindrun/bindrun/internal/expressions"
	"github.com/bindrun/bindrun/internal/graph"
	"github.com/bindrun/bindrun/internal/logging"
	"github.com/bindrun/bindrun/internal/paths"
	"github.com/bindrun/bindrun/internal/transform"
	"github.com/bindrun/bindrun/pkg/schema"
)

const defaultConcurrency = 8

// Options tunes executor behavior.
type Options struct {
	// Concurrency bounds how many steps run at once. Zero means the default.
	Concurrency int

	// Conditions evaluates step condition guards. Nil disables guards:
	// every step with a condition runs unconditionally.
	Conditions *expressions.CELEvaluator

	// DefaultRetry applies to steps that declare no retry block. Nil means
	// DefaultRetryPolicy; a policy with Max 0 disables retries entirely.
	DefaultRetry *schema.RetryPolicy

	// Logger receives structured run and step events. Nil means slog.Default.
	Logger *slog.Logger
}

// Executor runs specs against a single backend adapter. Safe for concurrent
// use; each Execute call owns its run state.
type Executor struct {
	adapter      adapter.Adapter
	transforms   *transform.Registry
	conditions   *expressions.CELEvaluator
	defaultRetry *schema.RetryPolicy
	logger       *slog.Logger
	concurrency  int
}

// New creates an Executor.
func New(backend adapter.Adapter, transforms *transform.Registry, opts Options) *Executor {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaultRetry := opts.DefaultRetry
	if defaultRetry == nil {
		defaultRetry = DefaultRetryPolicy
	}
	return &Executor{
		adapter:      backend,
		transforms:   transforms,
		conditions:   opts.Conditions,
		defaultRetry: defaultRetry,
		logger:       logger,
		concurrency:  concurrency,
	}
}

// Execute runs a validated spec to completion and returns the full report.
// Execution failures live inside the report, not in the error return; a
// non-nil error means the run could not start at all.
func (e *Executor) Execute(ctx context.Context, spec *schema.Spec) (*schema.Report, error) {
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "spec is nil")
	}

	g, err := graph.Build(spec)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	startedAt := time.Now().UTC()

	if spec.Timeout != "" {
		d, perr := time.ParseDuration(spec.Timeout)
		if perr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid run timeout %q", spec.Timeout)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	r := &run{
		executor: e,
		runID:    runID,
		spec:     spec,
		graph:    g,
		store:    NewResultStore(g.Order),
		reports:  make(map[string]*schema.StepReport, len(g.Order)),
		events:   make(chan stepEvent, len(g.Order)),
	}
	r.resolver = NewResolver(r.store, e.transforms)
	for _, id := range g.Order {
		r.reports[id] = &schema.StepReport{StepID: id, Status: schema.StepStatusPending}
	}

	e.logger.InfoContext(ctx, "run started",
		slog.String("spec", spec.Name),
		slog.Int("steps", len(g.Order)))

	metrics := r.schedule(ctx)

	report := &schema.Report{
		RunID:       runID,
		SpecName:    spec.Name,
		Steps:       r.reports,
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
	}
	report.Status = schema.RunStatusSucceeded
	if report.Failed() {
		report.Status = schema.RunStatusFailed
	}

	e.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(report.Status)),
		slog.Int64("steps_dispatched", metrics.Completed),
		slog.Int64("worker_panics", metrics.Panics))
	return report, nil
}

type stepEvent struct {
	stepID string
}

// run is the per-execution state. The scheduler goroutine owns dispatch;
// worker goroutines own their step's report entry until they emit an event.
type run struct {
	executor *Executor
	runID    string
	spec     *schema.Spec
	graph    *graph.Graph
	store    *ResultStore
	resolver *Resolver
	reports  map[string]*schema.StepReport
	events   chan stepEvent
}

// schedule is the ready-dispatch loop: a step is dispatched as soon as all
// its dependencies have settled. Ready steps dispatch in declaration order,
// which keeps scheduling deterministic without serializing execution.
// Returns the pool counters for the run-finished log.
func (r *run) schedule(ctx context.Context) PoolMetrics {
	pool := NewWorkerPool(r.executor.concurrency)
	defer pool.Shutdown()

	remaining := make(map[string]int, len(r.graph.Order))
	var ready []string
	for _, id := range r.graph.Order {
		remaining[id] = len(r.graph.Deps[id])
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}

	total := len(r.graph.Order)
	settled := 0
	inFlight := 0

	for settled < total {
		for len(ready) > 0 {
			id := ready[0]
			ready = ready[1:]

			if r.preflight(ctx, id) {
				settled++
				ready = r.appendUnlocked(ready, id, remaining)
				continue
			}

			stepID := id
			if err := pool.Submit(ctx, func(workerCtx context.Context) {
				r.runStep(workerCtx, stepID)
			}); err != nil {
				r.settleUnstarted(ctx, id)
				settled++
				ready = r.appendUnlocked(ready, id, remaining)
				continue
			}
			inFlight++
		}

		if settled >= total {
			break
		}

		select {
		case ev := <-r.events:
			inFlight--
			settled++
			ready = r.appendUnlocked(ready, ev.stepID, remaining)
		case <-ctx.Done():
			// Drain in-flight workers; their adapter calls see the
			// cancelled context and settle themselves.
			for inFlight > 0 {
				ev := <-r.events
				inFlight--
				settled++
				r.appendUnlocked(nil, ev.stepID, remaining)
			}
			r.settleRemaining(ctx)
			settled = total
		}
	}

	pool.Wait()
	return pool.Metrics()
}

// appendUnlocked decrements dependents of a settled step and appends newly
// ready ones, re-sorting by declaration index to keep dispatch order stable.
func (r *run) appendUnlocked(ready []string, settledID string, remaining map[string]int) []string {
	for _, dependent := range r.graph.Reverse[settledID] {
		remaining[dependent]--
		if remaining[dependent] == 0 {
			ready = append(ready, dependent)
		}
	}
	r.graph.SortByDeclaration(ready)
	return ready
}

// preflight settles a ready step without running it when a dependency
// outcome or a false condition demands it. Returns true if settled.
// A failure anywhere upstream beats a condition skip: the cascade must keep
// the run's failed status.
func (r *run) preflight(ctx context.Context, id string) bool {
	step := r.graph.Steps[id]

	var failedDep, conditionDep string
	for _, dep := range r.graph.Deps[id] {
		status, _ := r.store.Status(dep)
		switch status {
		case schema.StepStatusFailed:
			failedDep = dep
		case schema.StepStatusSkipped:
			if r.skipReasonOf(dep) == schema.SkipReasonDependency {
				failedDep = dep
			} else if conditionDep == "" {
				conditionDep = dep
			}
		}
	}

	if failedDep != "" {
		cause := schema.NewErrorf(schema.ErrCodeDependencyFailed,
			"dependency %q did not succeed", failedDep).WithStep(id)
		r.settleSkipped(ctx, id, schema.SkipReasonDependency, cause)
		return true
	}
	if conditionDep != "" {
		r.settleSkipped(ctx, id, schema.SkipReasonCondition, nil)
		return true
	}

	if step.Condition != "" && r.executor.conditions != nil {
		scope := map[string]any{
			"steps": r.store.Snapshot(),
			"run":   map[string]any{"run_id": r.runID, "spec_name": r.spec.Name},
		}
		pass, err := r.executor.conditions.EvaluateBool(step.Condition, scope)
		if err != nil {
			r.settleFailed(ctx, id, 0, err)
			return true
		}
		if !pass {
			r.settleSkipped(ctx, id, schema.SkipReasonCondition, nil)
			return true
		}
	}

	return false
}

// runStep executes one dispatched step inside a pool worker.
func (r *run) runStep(ctx context.Context, id string) {
	defer func() { r.events <- stepEvent{stepID: id} }()

	step := r.graph.Steps[id]
	ctx = logging.WithStepID(ctx, id)
	startedAt := time.Now().UTC()

	if !r.transition(ctx, id, schema.StepStatusRunning) {
		return
	}
	r.update(id, func(sr *schema.StepReport) {
		sr.StartedAt = &startedAt
	})
	r.executor.logger.InfoContext(ctx, "step started",
		slog.String("operation", step.Operation),
		slog.String("kind", string(step.Kind)))

	// The step timeout spans input resolution and every retry attempt.
	stepCtx := ctx
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	inputs, err := r.resolver.ResolveInputs(stepCtx, step)
	if err != nil {
		r.settleFailed(ctx, id, 0, err)
		return
	}
	r.update(id, func(sr *schema.StepReport) { sr.ResolvedInputs = inputs })

	raw, attempts, err := r.callWithRetry(stepCtx, step, inputs)
	if err != nil {
		r.settleFailed(ctx, id, attempts, err)
		return
	}

	outputs, err := extractOutputs(step, raw)
	if err != nil {
		r.settleFailed(ctx, id, attempts, err)
		return
	}

	if err := r.store.Complete(id, outputs, raw); err != nil {
		r.executor.logger.ErrorContext(ctx, "result store rejected completion", slog.Any("error", err))
		return
	}
	completedAt := time.Now().UTC()
	r.transition(ctx, id, schema.StepStatusSucceeded)
	r.update(id, func(sr *schema.StepReport) {
		sr.Outputs = outputs
		sr.RawResult = raw
		sr.Attempts = attempts
		sr.CompletedAt = &completedAt
		sr.DurationMs = completedAt.Sub(startedAt).Milliseconds()
	})
	r.executor.logger.InfoContext(ctx, "step succeeded", slog.Int("attempts", attempts))
}

// callWithRetry invokes the adapter under the step's retry policy, falling
// back to the executor's default policy when the step declares none. Only
// transient failures retry; attempts counts every adapter call made.
func (r *run) callWithRetry(ctx context.Context, step *schema.Step, inputs map[string]any) (json.RawMessage, int, error) {
	policy := step.Retry
	if policy == nil {
		policy = r.executor.defaultRetry
	}

	maxAttempts := 1
	if policy != nil && policy.Max > 0 {
		maxAttempts = policy.Max + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		raw, err := r.executor.adapter.Execute(ctx, step.Kind, step.Operation, inputs)
		if err == nil {
			return raw, attempt + 1, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, attempt + 1, err
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := ComputeBackoff(policy, attempt)
		r.executor.logger.WarnContext(ctx, "step attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.Any("error", err))
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return nil, attempt + 1, werr
		}
	}

	if maxAttempts == 1 {
		return nil, 1, lastErr
	}
	return nil, maxAttempts, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"gave up after %d attempts", maxAttempts).
		WithStep(step.ID).
		WithCause(lastErr)
}

// extractOutputs pulls each declared output from the raw adapter response.
// A declared output whose path does not resolve fails the step: downstream
// placeholders would otherwise dereference a hole.
func extractOutputs(step *schema.Step, raw json.RawMessage) (map[string]any, error) {
	outputs := make(map[string]any, len(step.Outputs))
	for name, path := range step.Outputs {
		value, ok := paths.Extract(raw, path)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMissingOutput,
				"output %q: path %q does not resolve in the response", name, path).
				WithStep(step.ID).
				WithDetails(map[string]any{"output": name, "path": path})
		}
		outputs[name] = value
	}
	return outputs, nil
}

// settleSkipped records a skip in the store and the report.
func (r *run) settleSkipped(ctx context.Context, id string, reason schema.SkipReason, cause error) {
	if err := r.store.Skip(id, cause); err != nil {
		return
	}
	r.transition(ctx, id, schema.StepStatusSkipped)
	r.update(id, func(sr *schema.StepReport) {
		sr.SkipReason = reason
		sr.Error = asError(cause)
	})
	r.executor.logger.InfoContext(logging.WithStepID(ctx, id), "step skipped",
		slog.String("reason", string(reason)))
}

// settleFailed records a failure in the store and the report.
func (r *run) settleFailed(ctx context.Context, id string, attempts int, cause error) {
	normalized := normalizeFailure(cause)
	if err := r.store.Fail(id, normalized); err != nil {
		return
	}
	completedAt := time.Now().UTC()
	r.transition(ctx, id, schema.StepStatusFailed)
	r.update(id, func(sr *schema.StepReport) {
		sr.Error = normalized
		sr.Attempts = attempts
		if sr.StartedAt != nil {
			sr.CompletedAt = &completedAt
			sr.DurationMs = completedAt.Sub(*sr.StartedAt).Milliseconds()
		}
	})
	r.executor.logger.ErrorContext(logging.WithStepID(ctx, id), "step failed",
		slog.String("code", normalized.Code),
		slog.Int("attempts", attempts))
}

// settleUnstarted handles a step whose pool submission was refused, which
// only happens when the run is shutting down.
func (r *run) settleUnstarted(ctx context.Context, id string) {
	r.settleFailed(ctx, id, 0, shutdownError(ctx))
}

// settleRemaining settles every still-pending step after the run context
// expired: steps downstream of a failure are skipped as usual, everything
// else fails with the run-level cause.
func (r *run) settleRemaining(ctx context.Context) {
	for _, id := range r.graph.Order {
		status, _ := r.store.Status(id)
		if status.IsTerminal() {
			continue
		}
		if !r.preflight(ctx, id) {
			r.settleFailed(ctx, id, 0, shutdownError(ctx))
		}
	}
}

// shutdownError maps the run context's termination cause to an error code.
func shutdownError(ctx context.Context) *schema.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "run deadline exceeded before the step completed")
	}
	return schema.NewError(schema.ErrCodeCancelled, "run was cancelled before the step completed")
}

// normalizeFailure coerces any failure into a structured Error, mapping
// bare context errors to their codes.
func normalizeFailure(err error) *schema.Error {
	if err == nil {
		return schema.NewError(schema.ErrCodeExecution, "step failed with no recorded cause")
	}
	var berr *schema.Error
	if errors.As(err, &berr) {
		return berr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "step deadline exceeded").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "step was cancelled").WithCause(err)
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}

func asError(err error) *schema.Error {
	if err == nil {
		return nil
	}
	return normalizeFailure(err)
}

// transition moves a step's report status through the lifecycle table. An
// illegal move is a scheduler bug: it is logged and the report entry is left
// untouched so the first settlement wins.
func (r *run) transition(ctx context.Context, id string, to schema.StepStatus) bool {
	sr := r.reports[id]
	next, err := Transition(id, sr.Status, to)
	if err != nil {
		r.executor.logger.ErrorContext(ctx, "step transition rejected", slog.Any("error", err))
		return false
	}
	sr.Status = next
	return true
}

// update mutates a step's report entry under the store's settlement
// ordering: the scheduler only reads entries after the owning worker has
// emitted its event.
func (r *run) update(id string, fn func(*schema.StepReport)) {
	fn(r.reports[id])
}

// skipReasonOf reads a settled step's skip reason from its report.
func (r *run) skipReasonOf(id string) schema.SkipReason {
	return r.reports[id].SkipReason
}
